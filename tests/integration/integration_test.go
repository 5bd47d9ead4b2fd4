//go:build integration

// Package integration exercises the broker end-to-end over the real IPC
// transport: a dispatcher backed by a fake driver, served over a Unix
// socket, driven by the actual client used by worker processes.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	ipcclient "github.com/browserkit/broker/internal/ipc/client"
	ipcserver "github.com/browserkit/broker/internal/ipc/server"
	"github.com/browserkit/broker/internal/dispatch"
	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/refs"
	"github.com/browserkit/broker/internal/registry"
)

type fakePage struct {
	id     string
	closed bool
	navURL string
}

func (f *fakePage) Navigate(url string) error { f.navURL = url; return nil }
func (f *fakePage) Close() error              { f.closed = true; return nil }
func (f *fakePage) IsClosed() bool            { return f.closed }
func (f *fakePage) Cookies(urls []string) ([]*proto.NetworkCookie, error) {
	return nil, nil
}
func (f *fakePage) SetCookies(cookies []*proto.NetworkCookieParam) error { return nil }
func (f *fakePage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) {
	return &rod.EvalResult{}, nil
}
func (f *fakePage) TargetID() string { return f.id }

type fakeDriver struct{ counter int }

func (d *fakeDriver) Connect(ctx context.Context) error { return nil }
func (d *fakeDriver) NewPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	d.counter++
	return &fakePage{id: fmt.Sprintf("target-%d", d.counter)}, nil
}
func (d *fakeDriver) NewIncognitoPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	return d.NewPage(ctx, url, stealthMode)
}
func (d *fakeDriver) ClosePage(p driver.Page) error         { return p.Close() }
func (d *fakeDriver) ListPageTargets() ([]string, error)    { return nil, nil }
func (d *fakeDriver) CloseTargetByID(targetID string) error { return nil }
func (d *fakeDriver) OnTargetDestroyed(func(string))        {}
func (d *fakeDriver) ControlURL() string                    { return "ws://fake" }
func (d *fakeDriver) Close() error                           { return nil }

var (
	testServer *ipcserver.Server
	socketPath string
)

func TestMain(m *testing.M) {
	socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("broker-integration-%d.sock", time.Now().UnixNano()))

	reg := registry.New(registry.Deps{
		Driver:      &fakeDriver{},
		MaxSessions: 10,
		MaxWorkers:  10,
		SessionTTL:  time.Hour,
	})
	dispatcher := dispatch.New(reg, refs.NewManager(), nil)

	testServer = ipcserver.New(ipcserver.Options{
		SocketPath:   socketPath,
		Handler:      dispatcher.Handle,
		OnDisconnect: dispatcher.CleanupWorker,
	})
	go func() { _ = testServer.Serve() }()
	time.Sleep(100 * time.Millisecond)

	code := m.Run()

	_ = testServer.Close()
	os.Exit(code)
}

func newTestClient(t *testing.T) *ipcclient.Client {
	t.Helper()
	c := ipcclient.New(ipcclient.Options{SocketPath: socketPath})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callJSON(t *testing.T, c *ipcclient.Client, method string, params interface{}, out interface{}) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	result, err := c.Call(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			t.Fatalf("%s: unmarshal result: %v", method, err)
		}
	}
}

func TestClientReceivesWorkerIDOnConnect(t *testing.T) {
	c := newTestClient(t)
	if c.WorkerID() == "" {
		t.Error("expected a non-empty worker id from the init handshake")
	}
}

func TestSessionLifecycleOverIPC(t *testing.T) {
	c := newTestClient(t)
	sessionID := fmt.Sprintf("itest-session-%d", time.Now().UnixNano())

	var created map[string]string
	callJSON(t, c, "session/create", map[string]string{"id": sessionID}, &created)
	if created["session_id"] != sessionID {
		t.Fatalf("expected session_id %s, got %s", sessionID, created["session_id"])
	}

	var sessions []string
	callJSON(t, c, "session/list", nil, &sessions)
	found := false
	for _, s := range sessions {
		if s == sessionID {
			found = true
		}
	}
	if !found {
		t.Errorf("session %s not found in session/list: %v", sessionID, sessions)
	}

	var tab map[string]string
	callJSON(t, c, "tabs/create", map[string]string{"session_id": sessionID, "url": "https://example.com"}, &tab)
	if tab["target_id"] == "" {
		t.Fatal("expected a non-empty target_id")
	}

	callJSON(t, c, "page/navigate", map[string]string{
		"session_id": sessionID,
		"target_id":  tab["target_id"],
		"url":        "https://example.org",
	}, nil)

	callJSON(t, c, "tabs/close", map[string]string{"session_id": sessionID, "target_id": tab["target_id"]}, nil)

	callJSON(t, c, "session/delete", map[string]string{"session_id": sessionID}, nil)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Call(context.Background(), "bogus/method", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestDisconnectCleansUpOwnedSessions(t *testing.T) {
	c := ipcclient.New(ipcclient.Options{SocketPath: socketPath})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sessionID := fmt.Sprintf("itest-orphan-%d", time.Now().UnixNano())
	callJSON(t, c, "session/create", map[string]string{"id": sessionID}, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	verifier := newTestClient(t)
	var sessions []string
	callJSON(t, verifier, "session/list", nil, &sessions)
	for _, s := range sessions {
		if s == sessionID {
			t.Errorf("session %s should have been cleaned up on disconnect", sessionID)
		}
	}
}
