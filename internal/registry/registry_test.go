package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/types"
)

type fakePage struct {
	id     string
	closed bool
}

func (f *fakePage) Navigate(url string) error { return nil }
func (f *fakePage) Close() error              { f.closed = true; return nil }
func (f *fakePage) IsClosed() bool            { return f.closed }
func (f *fakePage) Cookies(urls []string) ([]*proto.NetworkCookie, error) {
	return nil, nil
}
func (f *fakePage) SetCookies(cookies []*proto.NetworkCookieParam) error { return nil }
func (f *fakePage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) {
	return nil, nil
}
func (f *fakePage) TargetID() string { return f.id }

type fakeDriver struct {
	counter atomic.Int64
	pages   []string
}

func (d *fakeDriver) Connect(ctx context.Context) error { return nil }
func (d *fakeDriver) NewPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	id := "target-" + time.Now().Format("150405.000000000") + "-" + itoa(d.counter.Add(1))
	d.pages = append(d.pages, id)
	return &fakePage{id: id}, nil
}
func (d *fakeDriver) NewIncognitoPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	return d.NewPage(ctx, url, stealthMode)
}
func (d *fakeDriver) ClosePage(p driver.Page) error { return p.Close() }
func (d *fakeDriver) ListPageTargets() ([]string, error) {
	return d.pages, nil
}
func (d *fakeDriver) CloseTargetByID(targetID string) error {
	for i, id := range d.pages {
		if id == targetID {
			d.pages = append(d.pages[:i], d.pages[i+1:]...)
			return nil
		}
	}
	return nil
}
func (d *fakeDriver) OnTargetDestroyed(handler func(targetID string)) {}
func (d *fakeDriver) ControlURL() string                              { return "ws://fake" }
func (d *fakeDriver) Close() error                                    { return nil }

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestRegistry() *Registry {
	return New(Deps{
		Driver:      &fakeDriver{},
		MaxSessions: 10,
		MaxWorkers:  10,
		SessionTTL:  time.Hour,
		UsePagePool: false,
	})
}

func TestCreateSessionHasDefaultWorker(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	sess, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.DefaultWorkerID)
}

func TestOwnershipIsolation(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)
	_, err = r.CreateSession(types.SessionOptions{ID: "s2"})
	require.NoError(t, err)

	t2, _, err := r.CreateTarget("s2", "", "")
	require.NoError(t, err)

	_, err = r.GetPage("s1", t2, "")
	var ownershipErr *types.OwnershipError
	assert.ErrorAs(t, err, &ownershipErr)

	page, err := r.GetPage("s2", t2, "")
	require.NoError(t, err)
	assert.NotNil(t, page)

	require.NoError(t, r.DeleteSession("s1"))
	page, err = r.GetPage("s2", t2, "")
	require.NoError(t, err)
	assert.NotNil(t, page)
}

func TestCreateTargetCloseTargetRoundTrip(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)

	before := r.Stats().Targets
	targetID, _, err := r.CreateTarget("s1", "", "")
	require.NoError(t, err)
	assert.Equal(t, before+1, r.Stats().Targets)

	require.NoError(t, r.CloseTarget("s1", targetID))
	assert.Equal(t, before, r.Stats().Targets)

	_, err = r.GetPage("s1", targetID, "")
	assert.ErrorIs(t, err, types.ErrTargetNotFound)
}

func TestDeleteDefaultWorkerFails(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	sess, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)

	err = r.DeleteWorker("s1", sess.DefaultWorkerID)
	assert.ErrorIs(t, err, types.ErrCannotDeleteDefault)
}

func TestWorkerLimitReached(t *testing.T) {
	r := New(Deps{Driver: &fakeDriver{}, MaxSessions: 10, MaxWorkers: 1, SessionTTL: time.Hour})
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)

	// MaxWorkers=1 is already consumed by the default worker.
	_, err = r.CreateWorker("s1", types.WorkerOptions{})
	assert.ErrorIs(t, err, types.ErrWorkerLimitReached)
}

func TestCleanupInactiveEvictsExpiredSessions(t *testing.T) {
	r := New(Deps{Driver: &fakeDriver{}, MaxSessions: 10, MaxWorkers: 10, SessionTTL: time.Millisecond})
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	evicted, err := r.CleanupInactive(time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, evicted, "s1")

	_, ok := r.getSession("s1")
	assert.False(t, ok)
}

func TestSessionLimitReachedWithoutEvictionCandidate(t *testing.T) {
	r := New(Deps{Driver: &fakeDriver{}, MaxSessions: 1, MaxWorkers: 10, SessionTTL: time.Hour})
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)

	_, err = r.CreateSession(types.SessionOptions{ID: "s2"})
	assert.ErrorIs(t, err, types.ErrSessionLimitReached)
}

func TestExecuteCommandTouchesSessionAndRunsSerially(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	_, err := r.CreateSession(types.SessionOptions{ID: "s1"})
	require.NoError(t, err)
	targetID, _, err := r.CreateTarget("s1", "", "")
	require.NoError(t, err)

	sess, ok := r.getSession("s1")
	require.True(t, ok)
	before := sess.LastActivity()
	time.Sleep(time.Millisecond)

	result, err := r.ExecuteCommand("s1", targetID, "eval", func(p driver.Page) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, sess.LastActivity().After(before))

	var inFlight, maxInFlight atomic.Int32
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.ExecuteCommand("s1", targetID, "eval", func(p driver.Page) (interface{}, error) {
				if n := inFlight.Add(1); n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			})
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), maxInFlight.Load())
}
