package router

import (
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	closed  bool
	cookies []*proto.NetworkCookie
	lastSet []*proto.NetworkCookieParam
	navURL  string
}

func (f *fakePage) Navigate(url string) error { f.navURL = url; return nil }
func (f *fakePage) Close() error              { f.closed = true; return nil }
func (f *fakePage) IsClosed() bool            { return f.closed }
func (f *fakePage) Cookies(urls []string) ([]*proto.NetworkCookie, error) {
	return f.cookies, nil
}
func (f *fakePage) SetCookies(cookies []*proto.NetworkCookieParam) error {
	f.lastSet = cookies
	return nil
}
func (f *fakePage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) { return nil, nil }
func (f *fakePage) TargetID() string                                            { return "fake" }

func TestRouteDisabledAlwaysHeavy(t *testing.T) {
	r := New(Options{Enabled: false})
	d := r.Route("click", &fakePage{}, nil)
	assert.Equal(t, Heavy, d.Backend)
}

func TestRouteVisualOnlyToolForcesHeavy(t *testing.T) {
	r := New(Options{Enabled: true, MaxFailures: 3, Cooldown: time.Minute})
	d := r.Route("screenshot", &fakePage{}, nil)
	assert.Equal(t, Heavy, d.Backend)
}

func TestRouteUsesLightWhenPageHealthy(t *testing.T) {
	r := New(Options{Enabled: true, MaxFailures: 3, Cooldown: time.Minute})
	d := r.Route("click", &fakePage{}, nil)
	assert.Equal(t, Light, d.Backend)
	assert.False(t, d.Fallback)
}

func TestRouteFallsBackWhenLightPageClosed(t *testing.T) {
	r := New(Options{Enabled: true, MaxFailures: 3, Cooldown: time.Minute})
	d := r.Route("click", &fakePage{closed: true}, nil)
	assert.Equal(t, Heavy, d.Backend)
	assert.True(t, d.Fallback)
}

func TestRouteFallsBackWhenNoLightPage(t *testing.T) {
	r := New(Options{Enabled: true, MaxFailures: 3, Cooldown: time.Minute})
	d := r.Route("click", nil, nil)
	assert.Equal(t, Heavy, d.Backend)
	assert.True(t, d.Fallback)
}

func TestCircuitTripsAfterMaxFailuresThenCoolsDown(t *testing.T) {
	r := New(Options{Enabled: true, MaxFailures: 3, Cooldown: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		d := r.Route("click", nil, nil)
		assert.Equal(t, Heavy, d.Backend)
	}
	require.True(t, r.Stats().CircuitOpen)

	d := r.Route("click", &fakePage{}, nil)
	assert.Equal(t, Heavy, d.Backend)
	assert.False(t, d.Fallback)
	assert.Equal(t, int64(1), r.Stats().CircuitTrips)

	time.Sleep(60 * time.Millisecond)

	d = r.Route("click", &fakePage{}, nil)
	assert.Equal(t, Light, d.Backend)
	assert.False(t, r.Stats().CircuitOpen)
}

func TestEscalateSyncsCookiesAndNavigates(t *testing.T) {
	light := &fakePage{cookies: []*proto.NetworkCookie{
		{Name: "session", Value: "abc", Domain: "example.com", Path: "/"},
	}}
	heavy := &fakePage{}

	result := Escalate(light, heavy, "https://example.com/page")

	assert.True(t, result.Success)
	assert.True(t, result.CookiesSynced)
	assert.Equal(t, Heavy, result.NewBackend)
	assert.Equal(t, "https://example.com/page", heavy.navURL)
	assert.Len(t, heavy.lastSet, 1)
}

func TestEscalateReportsNoSyncWhenNoCookies(t *testing.T) {
	light := &fakePage{}
	heavy := &fakePage{}

	result := Escalate(light, heavy, "https://example.com/page")

	assert.True(t, result.Success)
	assert.False(t, result.CookiesSynced)
}
