package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkit/broker/internal/types"
)

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "broker.sock")
}

func startTestServer(t *testing.T, handler Handler, onDisconnect Disconnecter) (*Server, string) {
	t.Helper()
	path := socketPath(t)
	srv := New(Options{SocketPath: path, Handler: handler, OnDisconnect: onDisconnect})
	go srv.Serve()
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { srv.Close() })
	return srv, path
}

func readResponse(t *testing.T, reader *bufio.Reader) types.Response {
	t.Helper()
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp types.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestServerSendsInitOnConnect(t *testing.T) {
	_, path := startTestServer(t, func(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
		return nil, nil
	}, nil)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()

	resp := readResponse(t, bufio.NewReader(c))
	require.NotNil(t, resp.Result)

	var init types.InitResult
	require.NoError(t, json.Unmarshal(resp.Result, &init))
	assert.NotEmpty(t, init.WorkerID)
}

func TestServerDispatchesRequestAndReturnsResult(t *testing.T) {
	_, path := startTestServer(t, func(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
		return map[string]string{"method": req.Method}, nil
	}, nil)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()
	reader := bufio.NewReader(c)
	readResponse(t, reader) // init

	req := types.Request{ID: "req-1", Method: "session/create"}
	data, _ := json.Marshal(req)
	data = append(data, '\n')
	_, err = c.Write(data)
	require.NoError(t, err)

	resp := readResponse(t, reader)
	assert.Equal(t, "req-1", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestServerMapsHandlerErrorToCode(t *testing.T) {
	_, path := startTestServer(t, func(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
		return nil, types.ErrSessionNotFound
	}, nil)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()
	reader := bufio.NewReader(c)
	readResponse(t, reader)

	req := types.Request{ID: "req-2", Method: "session/get"}
	data, _ := json.Marshal(req)
	data = append(data, '\n')
	c.Write(data)

	resp := readResponse(t, reader)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeSessionNotFound, resp.Error.Code)
}

func TestServerHeartbeatUpdatesLastSeen(t *testing.T) {
	srv, path := startTestServer(t, func(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
		return nil, nil
	}, nil)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()
	reader := bufio.NewReader(c)
	initResp := readResponse(t, reader)
	var init types.InitResult
	json.Unmarshal(initResp.Result, &init)

	req := types.Request{ID: "hb-1", Method: "worker/heartbeat"}
	data, _ := json.Marshal(req)
	data = append(data, '\n')
	c.Write(data)
	readResponse(t, reader)

	_, ok := srv.LastHeartbeat(init.WorkerID)
	assert.True(t, ok)
}

func TestServerDisconnectTriggersCallback(t *testing.T) {
	disconnected := make(chan string, 1)
	_, path := startTestServer(t, func(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
		return nil, nil
	}, func(workerID string) {
		disconnected <- workerID
	})

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	reader := bufio.NewReader(c)
	readResponse(t, reader)
	c.Close()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("expected disconnect callback")
	}
}
