package pagepool

import (
	"context"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkit/broker/internal/driver"
)

type fakePage struct {
	closed    bool
	url       string
	evalCalls int
}

func (f *fakePage) Navigate(url string) error { f.url = url; return nil }
func (f *fakePage) Close() error              { f.closed = true; return nil }
func (f *fakePage) IsClosed() bool            { return f.closed }
func (f *fakePage) Cookies(urls []string) ([]*proto.NetworkCookie, error) {
	return nil, nil
}
func (f *fakePage) SetCookies(cookies []*proto.NetworkCookieParam) error { return nil }
func (f *fakePage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) {
	f.evalCalls++
	return nil, nil
}
func (f *fakePage) TargetID() string { return "fake-target" }

type fakeDriver struct {
	created int
}

func (d *fakeDriver) Connect(ctx context.Context) error { return nil }
func (d *fakeDriver) NewPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	d.created++
	return &fakePage{url: url}, nil
}
func (d *fakeDriver) NewIncognitoPage(ctx context.Context, url string, stealthMode bool) (driver.Page, error) {
	return d.NewPage(ctx, url, stealthMode)
}
func (d *fakeDriver) ClosePage(p driver.Page) error { return p.Close() }
func (d *fakeDriver) ListPageTargets() ([]string, error) {
	return nil, nil
}
func (d *fakeDriver) CloseTargetByID(targetID string) error { return nil }
func (d *fakeDriver) OnTargetDestroyed(handler func(targetID string)) {}
func (d *fakeDriver) ControlURL() string                              { return "ws://fake" }
func (d *fakeDriver) Close() error                                    { return nil }

func TestAcquireSynthesizesWhenEmpty(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 2)

	page, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, d.created)
	assert.Equal(t, int64(1), p.Stats().Acquired)
	_ = page
}

func TestAcquirePopsWarmedPage(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 2)
	p.Warm(context.Background(), 1)
	assert.Equal(t, 1, d.created)

	page, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, d.created, "acquire should reuse the warmed page, not create a new one")
	assert.NotNil(t, page)
	assert.Equal(t, 0, p.Stats().Size)
}

func TestReleaseResetsAndReenqueues(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 2)
	page := &fakePage{}
	page.Navigate("https://example.com")

	p.Release(page)

	assert.Equal(t, blankSentinel, page.url)
	assert.Equal(t, 1, page.evalCalls)
	assert.Equal(t, 1, p.Stats().Size)
	assert.Equal(t, int64(1), p.Stats().Released)
}

func TestReleaseDiscardsClosedPage(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 2)
	page := &fakePage{closed: true}

	p.Release(page)

	assert.Equal(t, 0, p.Stats().Size)
	assert.Equal(t, int64(1), p.Stats().Discarded)
}

func TestReleaseDiscardsWhenPoolFull(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 1)
	p.Release(&fakePage{})
	second := &fakePage{}

	p.Release(second)

	assert.True(t, second.closed)
	assert.Equal(t, int64(1), p.Stats().Discarded)
	assert.Equal(t, 1, p.Stats().Size)
}

func TestCloseClosesAllPooledPages(t *testing.T) {
	d := &fakeDriver{}
	p := New(d, 2)
	a, b := &fakePage{}, &fakePage{}
	p.Release(a)
	p.Release(b)

	p.Close()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, p.Stats().Size)
}
