// Package cookiesync implements the cookie reconciliation primitives used
// by the hybrid router on escalation (collaborator of C6).
package cookiesync

import (
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/driver"
)

// Copy reads cookies from source, optionally filtered to an exact-domain-
// or leading-dot match, and writes them to target. All errors are
// swallowed and logged; it returns 0 on any failure rather than propagate.
func Copy(source, target driver.Page, domain string) int {
	cookies, err := source.Cookies(nil)
	if err != nil {
		log.Debug().Err(err).Msg("cookiesync: failed to read source cookies")
		return 0
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if domain != "" && !domainMatches(c.Domain, domain) {
			continue
		}
		params = append(params, toParam(c))
	}
	if len(params) == 0 {
		return 0
	}

	if err := target.SetCookies(params); err != nil {
		log.Debug().Err(err).Msg("cookiesync: failed to write target cookies")
		return 0
	}
	return len(params)
}

// Merge computes the set difference between source and target cookies,
// keyed by (name, domain, path), and writes only the new entries to
// target. It never overwrites existing target cookies.
func Merge(source, target driver.Page) int {
	sourceCookies, err := source.Cookies(nil)
	if err != nil {
		log.Debug().Err(err).Msg("cookiesync: failed to read source cookies for merge")
		return 0
	}
	targetCookies, err := target.Cookies(nil)
	if err != nil {
		log.Debug().Err(err).Msg("cookiesync: failed to read target cookies for merge")
		return 0
	}

	existing := make(map[string]bool, len(targetCookies))
	for _, c := range targetCookies {
		existing[cookieKey(c.Name, c.Domain, c.Path)] = true
	}

	var fresh []*proto.NetworkCookieParam
	for _, c := range sourceCookies {
		if existing[cookieKey(c.Name, c.Domain, c.Path)] {
			continue
		}
		fresh = append(fresh, toParam(c))
	}
	if len(fresh) == 0 {
		return 0
	}

	if err := target.SetCookies(fresh); err != nil {
		log.Debug().Err(err).Msg("cookiesync: failed to write merged cookies")
		return 0
	}
	return len(fresh)
}

func domainMatches(cookieDomain, domain string) bool {
	cookieDomain = strings.TrimPrefix(cookieDomain, ".")
	domain = strings.TrimPrefix(domain, ".")
	return cookieDomain == domain
}

func cookieKey(name, domain, path string) string {
	return name + "\x00" + domain + "\x00" + path
}

func toParam(c *proto.NetworkCookie) *proto.NetworkCookieParam {
	return &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}
}

// Timer runs Copy at a fixed interval between a fixed source/target/domain
// triple. It must not prevent process exit: Stop is best-effort and the
// underlying goroutine always observes a closed stop channel promptly.
type Timer struct {
	stop chan struct{}
	once sync.Once
}

// StartTimer begins periodic copying from source to target, filtered by
// domain, at the given interval.
func StartTimer(source, target driver.Page, domain string, interval time.Duration) *Timer {
	t := &Timer{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				Copy(source, target, domain)
			}
		}
	}()
	return t
}

// Stop halts the periodic sync.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.stop) })
}
