// Package protocol translates between wire frames and request/response batches.
//
// Two codecs are available: "line" (key=value;... terminated by a newline) and
// "json" (a JSON array terminated by a blank line). A server instance uses one.
package protocol

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/importly/moteus-motor/internal/device"
)

// Codec names.
const (
	Line = "line"
	JSON = "json"
)

var (
	// ErrMalformed marks a frame that was read completely but could not be
	// decoded. The connection remains usable.
	ErrMalformed = errors.New("malformed frame")

	// ErrFraming marks a frame that could not be delimited: it exceeded the
	// size limit or the peer closed mid-frame. The connection must be closed.
	ErrFraming = errors.New("framing error")

	// ErrRejected is returned to clients when the server answered with an
	// explicit error reply.
	ErrRejected = errors.New("request rejected by server")
)

// RequestItem is one decoded command. Apply=false means query only.
type RequestItem struct {
	ID       device.ControllerID
	Position float64
	Apply    bool
}

// RequestBatch is the ordered content of one request frame.
type RequestBatch []RequestItem

// ResponseItem pairs a controller with the telemetry it reported.
type ResponseItem struct {
	ID        device.ControllerID
	Telemetry device.Telemetry
}

// ResponseBatch is the ordered content of one response frame.
type ResponseBatch []ResponseItem

// Codec is one wire format. The server side uses ReadFrame, DecodeRequest,
// EncodeResponse and ErrorReply; clients use the remaining methods.
type Codec interface {
	Name() string

	// ReadFrame reads one complete request frame of at most max bytes. It
	// returns io.EOF when the peer closed cleanly between frames.
	ReadFrame(r *bufio.Reader, max int) ([]byte, error)
	DecodeRequest(frame []byte) (RequestBatch, error)
	EncodeResponse(batch ResponseBatch) ([]byte, error)

	// ErrorReply returns the bytes sent back for a frame that failed to
	// decode, or nil when the frame is dropped silently.
	ErrorReply(err error) []byte

	EncodeRequest(batch RequestBatch) ([]byte, error)
	ReadResponse(r *bufio.Reader, max int) ([]byte, error)
	DecodeResponse(frame []byte) (ResponseBatch, error)
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch name {
	case Line:
		return lineCodec{}, nil
	case JSON:
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q (expected %q or %q)", name, Line, JSON)
	}
}

// Names lists the available codecs.
func Names() []string {
	return []string{Line, JSON}
}
