package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importly/moteus-motor/internal/audit"
	"github.com/importly/moteus-motor/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MCB_CONFIG", "ADDRESS", "PORT", "MCB_PROTOCOL", "MCB_MAX_CONNECTIONS",
		"MCB_READ_TIMEOUT", "MCB_WRITE_TIMEOUT", "MCB_MAX_FRAME_BYTES",
		"MCB_CONTROLLERS", "MCB_TRANSPORT", "MCB_LOOP_PERIOD", "MCB_WATCHDOG_TIMEOUT",
		"MCB_COMMAND_TIMEOUT", "MCB_STATS_INTERVAL", "MCB_SHUTDOWN_GRACE",
		"MCB_OPS_ADDRESS", "MCB_AUDIT_DIR",
	} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcb "+Version+"\n", out)
}

func TestConfigCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "defaults",
			args: []string{"config"},
			want: []string{"port: 5135", "protocol: line", "period: 5ms"},
		},
		{
			name: "flags override",
			args: []string{"config", "--port", "6000", "--protocol", "json", "--controllers", "1,2", "--ops-address", "127.0.0.1:9100"},
			want: []string{"port: 6000", "protocol: json", "- 2", "9100"},
		},
		{
			name:    "invalid protocol flag",
			args:    []string{"config", "--protocol", "xml"},
			wantErr: "network.protocol",
		},
		{
			name:    "malformed controllers flag",
			args:    []string{"config", "--controllers", "1,x"},
			wantErr: "--controllers",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			out, err := execute(t, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestConfigCommandReadsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mcb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  port: 7000\ncontrollers:\n  ids: [3, 4]\n"), 0o644))

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "port: 7000")
	assert.Contains(t, out, "- 3")
	assert.Contains(t, out, "- 4")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Network.Address = "127.0.0.1"
	cfg.Network.Port = 0
	cfg.Controllers.IDs = []int{1, 2}
	cfg.Loop.StatsInterval = 0
	cfg.Loop.ShutdownGrace = time.Second
	return cfg
}

func startTestBridge(t *testing.T, cfg *config.Config) (*bridge, func() error) {
	t.Helper()
	b, err := newBridge(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.loop.Running() && b.server.Addr() != nil
	}, 2*time.Second, 5*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return fmt.Errorf("bridge did not stop")
		}
	}
	return b, stop
}

func TestBridgeServesClients(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Dir = t.TempDir()
	b, stop := startTestBridge(t, cfg)

	conn, err := net.DialTimeout("tcp", b.server.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(conn)

	_, err = io.WriteString(conn, "id=1;p=0.25\n")
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "id=1;ep="), line)
	blank, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", blank)

	p, ok := b.state.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0.25, p)
	_, ok = b.state.Get(2)
	assert.False(t, ok)

	// The loop drives controller 1 toward its setpoint.
	ctrl, ok := b.registry.Lookup(1)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		tel, err := ctrl.Query(context.Background())
		return err == nil && tel.Position > 0.2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())

	data, err := os.ReadFile(filepath.Join(cfg.Audit.Dir, audit.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"controllerId":1`)
}

func TestBridgeOpsServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opsAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t)
	cfg.Ops.Address = opsAddr
	_, stop := startTestBridge(t, cfg)

	url := fmt.Sprintf("http://%s/healthz", opsAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
}

func TestBridgeListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Network.Port = ln.Addr().(*net.TCPAddr).Port
	b, err := newBridge(cfg, nil)
	require.NoError(t, err)

	err = b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestNewBridgeRejectsUnknownTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Controllers.Transport = "can"
	_, err := newBridge(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}
