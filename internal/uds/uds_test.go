package uds

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "warden.sock")
	srv := NewServer(socketPath, zap.NewNop().Sugar())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, NewClient(socketPath)
}

func TestServer_RoundTrip(t *testing.T) {
	srv, client := startTestServer(t)

	type echoParams struct {
		Text string `json:"text"`
	}
	srv.Handle("echo", func(req *Request) *Response {
		var p echoParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"text": p.Text})
	})

	resp, err := client.SendCommand("echo", echoParams{Text: "hello"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "hello", data["text"])
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.SendCommand("no_such_command", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no_such_command")
}

func TestServer_ProtocolMismatch(t *testing.T) {
	srv, client := startTestServer(t)
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	srv, client := startTestServer(t)
	srv.Handle("boom", func(*Request) *Response { panic("handler bug") })
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })

	_, err := client.SendCommand("boom", nil)
	require.Error(t, err, "panicking handler drops the connection")

	resp, err := client.SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_ErrorResponseShape(t *testing.T) {
	srv, client := startTestServer(t)
	srv.Handle("fail", func(*Request) *Response {
		return ErrorResponse(ErrCodeNotFound, "plan not found: plan_x")
	})

	resp, err := client.SendCommand("fail", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "plan not found: plan_x", resp.Error.Message)
	assert.Nil(t, resp.Data)
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := client.SendCommand("ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the daemon running?")
}

func TestFrame_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	go func() {
		_ = WriteFrame(server, &Request{ProtocolVersion: 1, Command: "status"})
	}()

	var req Request
	require.NoError(t, ReadFrame(client, &req))
	assert.Equal(t, 1, req.ProtocolVersion)
	assert.Equal(t, "status", req.Command)
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	go func() {
		// Length prefix far above the frame cap; no payload follows.
		_, _ = server.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	var req Request
	err := ReadFrame(client, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestStop_RemovesSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "warden.sock")
	srv := NewServer(socketPath, zap.NewNop().Sugar())
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	_, err := net.Dial("unix", socketPath)
	assert.Error(t, err)
}
