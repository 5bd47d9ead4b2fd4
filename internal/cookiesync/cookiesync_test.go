package cookiesync

import (
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
)

type fakePage struct {
	cookies []*proto.NetworkCookie
	setErr  error
	lastSet []*proto.NetworkCookieParam
}

func (f *fakePage) Navigate(url string) error { return nil }
func (f *fakePage) Close() error              { return nil }
func (f *fakePage) IsClosed() bool            { return false }
func (f *fakePage) Cookies(urls []string) ([]*proto.NetworkCookie, error) {
	return f.cookies, nil
}
func (f *fakePage) SetCookies(cookies []*proto.NetworkCookieParam) error {
	f.lastSet = cookies
	return f.setErr
}
func (f *fakePage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) { return nil, nil }
func (f *fakePage) TargetID() string                                            { return "fake" }

func cookie(name, domain, path, value string) *proto.NetworkCookie {
	return &proto.NetworkCookie{Name: name, Domain: domain, Path: path, Value: value}
}

func TestCopyWritesFilteredCookies(t *testing.T) {
	source := &fakePage{cookies: []*proto.NetworkCookie{
		cookie("a", "example.com", "/", "1"),
		cookie("b", "other.com", "/", "2"),
	}}
	target := &fakePage{}

	n := Copy(source, target, "example.com")

	assert.Equal(t, 1, n)
	assert.Len(t, target.lastSet, 1)
	assert.Equal(t, "a", target.lastSet[0].Name)
}

func TestCopyWithLeadingDotDomain(t *testing.T) {
	source := &fakePage{cookies: []*proto.NetworkCookie{
		cookie("a", ".example.com", "/", "1"),
	}}
	target := &fakePage{}

	n := Copy(source, target, "example.com")
	assert.Equal(t, 1, n)
}

func TestCopyReturnsZeroOnError(t *testing.T) {
	source := &fakePage{cookies: []*proto.NetworkCookie{cookie("a", "example.com", "/", "1")}}
	target := &fakePage{setErr: assertErr{}}

	n := Copy(source, target, "")
	assert.Equal(t, 0, n)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestMergeDoesNotOverwriteExisting(t *testing.T) {
	source := &fakePage{cookies: []*proto.NetworkCookie{
		cookie("a", "example.com", "/", "new"),
		cookie("b", "example.com", "/", "2"),
	}}
	target := &fakePage{cookies: []*proto.NetworkCookie{
		cookie("a", "example.com", "/", "old"),
	}}

	n := Merge(source, target)

	assert.Equal(t, 1, n)
	assert.Len(t, target.lastSet, 1)
	assert.Equal(t, "b", target.lastSet[0].Name)
}

func TestTimerStopsCleanly(t *testing.T) {
	source := &fakePage{cookies: []*proto.NetworkCookie{cookie("a", "example.com", "/", "1")}}
	target := &fakePage{}

	timer := StartTimer(source, target, "example.com", 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	timer.Stop()

	assert.NotEmpty(t, target.lastSet)
}
