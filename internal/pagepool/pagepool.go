// Package pagepool maintains a small set of pre-warmed blank pages to
// amortize tab-creation latency (C2).
package pagepool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/driver"
)

const blankSentinel = "about:blank"

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Size      int
	Acquired  int64
	Released  int64
	Discarded int64
}

// Pool is a bounded, mutex-guarded queue of pre-navigated blank pages.
type Pool struct {
	mu    sync.Mutex
	pages []driver.Page

	drv     driver.Driver
	maxSize int

	acquired  atomic.Int64
	released  atomic.Int64
	discarded atomic.Int64
}

// New returns an empty pool bounded to maxSize pages.
func New(drv driver.Driver, maxSize int) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{drv: drv, maxSize: maxSize}
}

// Warm pre-populates the pool with n blank pages (n is capped to maxSize).
func (p *Pool) Warm(ctx context.Context, n int) {
	if n > p.maxSize {
		n = p.maxSize
	}
	for i := 0; i < n; i++ {
		page, err := p.drv.NewPage(ctx, blankSentinel, false)
		if err != nil {
			log.Warn().Err(err).Msg("page pool warm-up failed to create page")
			return
		}
		p.mu.Lock()
		p.pages = append(p.pages, page)
		p.mu.Unlock()
	}
}

// Acquire pops a pooled page, or synthesizes one via the driver if the pool
// is empty.
func (p *Pool) Acquire(ctx context.Context) (driver.Page, error) {
	p.mu.Lock()
	if n := len(p.pages); n > 0 {
		page := p.pages[n-1]
		p.pages = p.pages[:n-1]
		p.mu.Unlock()
		p.acquired.Add(1)
		return page, nil
	}
	p.mu.Unlock()

	page, err := p.drv.NewPage(ctx, blankSentinel, false)
	if err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	return page, nil
}

// Release returns a page to the pool. A closed page is discarded. A live
// page has the localStorage and sessionStorage of the origin it was on
// cleared, is then reset to the blank sentinel, and is re-enqueued,
// resolving the Open Question in SPEC_FULL.md §9 in favor of clearing
// state eagerly. Cookies are not cleared.
func (p *Pool) Release(page driver.Page) {
	if page.IsClosed() {
		p.discarded.Add(1)
		return
	}

	if err := clearPageState(page); err != nil {
		log.Warn().Err(err).Msg("failed to clear page state on release, discarding")
		_ = page.Close()
		p.discarded.Add(1)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pages) >= p.maxSize {
		_ = page.Close()
		p.discarded.Add(1)
		return
	}
	p.pages = append(p.pages, page)
	p.released.Add(1)
}

func clearPageState(page driver.Page) error {
	if _, err := page.Eval(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`); err != nil {
		return err
	}
	return page.Navigate(blankSentinel)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	size := len(p.pages)
	p.mu.Unlock()
	return Stats{
		Size:      size,
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes every pooled page. Errors are logged, never returned, since
// this runs during shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	pages := p.pages
	p.pages = nil
	p.mu.Unlock()

	for _, page := range pages {
		if err := page.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing pooled page during shutdown")
		}
	}
}
