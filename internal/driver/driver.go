// Package driver is a thin facade over the external browser driver
// (go-rod/rod). It hides launcher/connection details from the rest of the
// broker; other packages use go-rod only for its proto types and the
// *rod.EvalResult that Page.Eval returns.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/types"
)

const blankSentinel = "about:blank"

// Page is the subset of *rod.Page the rest of the broker depends on. It
// exists so registry/router tests can substitute a fake without launching a
// real browser.
type Page interface {
	Navigate(url string) error
	Close() error
	IsClosed() bool
	Cookies(urls []string) ([]*proto.NetworkCookie, error)
	SetCookies(cookies []*proto.NetworkCookieParam) error
	Eval(js string, args ...interface{}) (*rod.EvalResult, error)
	TargetID() string
}

// rodPage adapts *rod.Page to the Page interface.
type rodPage struct {
	p *rod.Page
}

func (r *rodPage) Navigate(url string) error { return r.p.Navigate(url) }
func (r *rodPage) Close() error              { return r.p.Close() }
func (r *rodPage) IsClosed() bool {
	info, err := r.p.Info()
	return err != nil || info == nil
}
func (r *rodPage) Cookies(urls []string) ([]*proto.NetworkCookie, error) { return r.p.Cookies(urls) }
func (r *rodPage) SetCookies(cookies []*proto.NetworkCookieParam) error  { return r.p.SetCookies(cookies) }
func (r *rodPage) Eval(js string, args ...interface{}) (*rod.EvalResult, error) {
	return r.p.Eval(js, args...)
}
func (r *rodPage) TargetID() string { return string(r.p.TargetID) }

// Driver is the facade's public contract: connect, create/close pages,
// send raw commands, enumerate targets, subscribe to target-destroyed.
type Driver interface {
	Connect(ctx context.Context) error
	NewPage(ctx context.Context, url string, stealthMode bool) (Page, error)
	NewIncognitoPage(ctx context.Context, url string, stealthMode bool) (Page, error)
	ClosePage(p Page) error
	ListPageTargets() ([]string, error)
	CloseTargetByID(targetID string) error
	OnTargetDestroyed(handler func(targetID string))
	ControlURL() string
	Close() error
}

// Options configures a launched or attached browser instance.
type Options struct {
	DebugPort   int
	Headless    bool
	BrowserPath string
}

// RodDriver is the go-rod backed implementation of Driver.
type RodDriver struct {
	opts    Options
	browser *rod.Browser
	url     string
}

// New returns a driver that has not yet launched or connected.
func New(opts Options) *RodDriver {
	return &RodDriver{opts: opts}
}

// Connect launches a local browser process (using BrowserPath as the
// binary when it is set) and establishes the debug-protocol connection.
func (d *RodDriver) Connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l := launcher.New().Headless(d.opts.Headless).Set("remote-debugging-port", fmt.Sprintf("%d", d.opts.DebugPort))
	if d.opts.BrowserPath != "" {
		l = l.Bin(d.opts.BrowserPath)
	}

	url, err := l.Launch()
	if err != nil {
		return types.NewDriverError("connect", err)
	}

	browser := rod.New().ControlURL(url).Context(ctx)
	if err := browser.Connect(); err != nil {
		return types.NewDriverError("connect", err)
	}

	d.browser = browser
	d.url = url
	log.Info().Str("url", url).Msg("driver connected to browser")
	return nil
}

// ControlURL returns the debug-protocol endpoint this driver is attached to.
func (d *RodDriver) ControlURL() string { return d.url }

// NewPage creates a page on the default browser context.
func (d *RodDriver) NewPage(ctx context.Context, url string, stealthMode bool) (Page, error) {
	if url == "" {
		url = blankSentinel
	}
	p, err := d.newPageOn(ctx, d.browser, url, stealthMode)
	if err != nil {
		return nil, types.NewDriverError("new_page", err)
	}
	return p, nil
}

// NewIncognitoPage creates a page inside a fresh isolation context, used for
// workers that opt into per-worker isolation.
func (d *RodDriver) NewIncognitoPage(ctx context.Context, url string, stealthMode bool) (Page, error) {
	if url == "" {
		url = blankSentinel
	}
	incognito, err := d.browser.Incognito()
	if err != nil {
		return nil, types.NewDriverError("new_incognito_page", err)
	}
	p, err := d.newPageOn(ctx, incognito, url, stealthMode)
	if err != nil {
		return nil, types.NewDriverError("new_incognito_page", err)
	}
	return p, nil
}

func (d *RodDriver) newPageOn(ctx context.Context, browser *rod.Browser, url string, stealthMode bool) (Page, error) {
	var page *rod.Page
	var err error
	if stealthMode {
		page, err = stealth.Page(browser)
		if err != nil {
			return nil, err
		}
		if navErr := page.Navigate(url); navErr != nil {
			return nil, navErr
		}
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			return nil, err
		}
	}
	page = page.Context(ctx)
	return &rodPage{p: page}, nil
}

// ClosePage closes a page created by this driver. Errors are wrapped, not
// swallowed — callers in the registry decide whether a close failure during
// a destructive operation should be logged-and-ignored per the error
// handling policy.
func (d *RodDriver) ClosePage(p Page) error {
	if err := p.Close(); err != nil {
		return types.NewDriverError("close_page", err)
	}
	return nil
}

// ListPageTargets enumerates the ids of all page-typed targets currently
// open on the browser, used by the orphan reaper (§4.1).
func (d *RodDriver) ListPageTargets() ([]string, error) {
	pages, err := d.browser.Pages()
	if err != nil {
		return nil, types.NewDriverError("list_page_targets", err)
	}
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, string(p.TargetID))
	}
	return ids, nil
}

// CloseTargetByID closes a page target the driver doesn't hold a live Page
// handle for, used by the orphan reaper to clean up blank tabs the browser
// opened as a side effect of navigation (§4.1).
func (d *RodDriver) CloseTargetByID(targetID string) error {
	page, err := d.browser.PageFromTarget(proto.TargetID(targetID))
	if err != nil {
		return types.NewDriverError("close_target_by_id", err)
	}
	if err := page.Close(); err != nil {
		return types.NewDriverError("close_target_by_id", err)
	}
	return nil
}

// OnTargetDestroyed subscribes to the driver's target-destroyed event
// stream. One background goroutine receives the events and invokes the
// handler for each of them in turn.
func (d *RodDriver) OnTargetDestroyed(handler func(targetID string)) {
	go d.browser.EachEvent(func(e *proto.TargetTargetDestroyed) {
		handler(string(e.TargetID))
	})()
}

// Close disconnects from the browser and terminates the launched process.
func (d *RodDriver) Close() error {
	if d.browser == nil {
		return nil
	}
	if err := d.browser.Close(); err != nil {
		return types.NewDriverError("close", err)
	}
	return nil
}

// HealthCheck verifies the browser is still responsive by creating and
// navigating a throwaway page under a bounded timeout.
func (d *RodDriver) HealthCheck(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	page, err := d.browser.Page(proto.TargetCreateTarget{URL: blankSentinel})
	if err != nil {
		return false
	}
	defer page.Close()

	return page.Context(ctx).Navigate(blankSentinel) == nil
}
