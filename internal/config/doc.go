// Package config loads the bridge configuration.
//
// Layering, lowest precedence first: built-in defaults, a YAML file, then
// environment variables. The result is validated before it is returned.
package config
