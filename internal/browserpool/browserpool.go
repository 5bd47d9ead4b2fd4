// Package browserpool maintains multiple browser instances keyed by origin
// for site-isolation workloads (C3). It is optional: the registry only
// consults it when a worker is created with a target URL and browser
// pooling is enabled in configuration.
package browserpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browserkit/broker/internal/driver"
)

const recycleConcurrency = 4

// Instance is one pooled browser bound to an origin.
type Instance struct {
	Port     int
	Origin   string
	Driver   driver.Driver
	refCount atomic.Int32
	healthy  atomic.Bool
	idleAt   atomic.Int64 // unix nanos of last release to zero refcount
}

func (i *Instance) markIdle() { i.idleAt.Store(time.Now().UnixNano()) }
func (i *Instance) idleDuration() time.Duration {
	t := i.idleAt.Load()
	if t == 0 {
		return 0
	}
	return time.Since(time.Unix(0, t))
}

// NewInstanceFunc launches a new driver-backed browser instance for the
// given origin on an available port. Supplied by the composition root so
// the pool stays decoupled from how instances are actually spawned.
type NewInstanceFunc func(ctx context.Context, origin string) (*Instance, error)

// Pool maps origin to a list of browser-instance descriptors.
type Pool struct {
	mu            sync.Mutex
	instances     map[string][]*Instance
	maxPerOrigin  int
	maxMemoryMB   int
	minIdle       time.Duration
	newInstance   NewInstanceFunc
	healthCheck   func(*Instance) bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Options configures the pool.
type Options struct {
	MaxPerOrigin int
	MaxMemoryMB  int
	MinIdle      time.Duration
	NewInstance  NewInstanceFunc
	HealthCheck  func(*Instance) bool
}

// New returns a browser pool that lazily creates instances on first
// Acquire for an origin.
func New(opts Options) *Pool {
	if opts.MaxPerOrigin < 1 {
		opts.MaxPerOrigin = 2
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 2 * time.Minute
	}
	p := &Pool{
		instances:    make(map[string][]*Instance),
		maxPerOrigin: opts.MaxPerOrigin,
		maxMemoryMB:  opts.MaxMemoryMB,
		minIdle:      opts.MinIdle,
		newInstance:  opts.NewInstance,
		healthCheck:  opts.HealthCheck,
		stopCh:       make(chan struct{}),
	}
	p.wg.Add(2)
	go p.monitorMemory()
	go p.healthCheckRoutine()
	return p
}

// Acquire returns a browser instance for origin, creating one if the
// per-origin count is below the configured maximum.
func (p *Pool) Acquire(ctx context.Context, origin string) (*Instance, error) {
	p.mu.Lock()
	for _, inst := range p.instances[origin] {
		if inst.healthy.Load() {
			inst.refCount.Add(1)
			p.mu.Unlock()
			return inst, nil
		}
	}
	if len(p.instances[origin]) >= p.maxPerOrigin {
		// Fall back to the least-loaded existing instance even if it's
		// marked unhealthy; the caller gets a well-typed error on next use.
		var best *Instance
		for _, inst := range p.instances[origin] {
			if best == nil || inst.refCount.Load() < best.refCount.Load() {
				best = inst
			}
		}
		p.mu.Unlock()
		if best != nil {
			best.refCount.Add(1)
			return best, nil
		}
		return nil, fmt.Errorf("browser pool exhausted for origin %s", origin)
	}
	p.mu.Unlock()

	inst, err := p.newInstance(ctx, origin)
	if err != nil {
		return nil, err
	}
	inst.healthy.Store(true)
	inst.refCount.Add(1)

	p.mu.Lock()
	p.instances[origin] = append(p.instances[origin], inst)
	p.mu.Unlock()
	return inst, nil
}

// Release decrements the refcount for an instance. When it reaches zero the
// instance becomes eligible for idle shutdown on the next health-check pass.
func (p *Pool) Release(inst *Instance) {
	if inst.refCount.Add(-1) <= 0 {
		inst.markIdle()
	}
}

func (p *Pool) monitorMemory() {
	defer p.wg.Done()
	if p.maxMemoryMB <= 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			if int(mem.Alloc/1024/1024) > p.maxMemoryMB {
				log.Warn().Int("allocMB", int(mem.Alloc/1024/1024)).Msg("browser pool memory threshold exceeded, recycling idle instances")
				p.recycleIdle()
			}
		}
	}
}

func (p *Pool) healthCheckRoutine() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthChecks()
			p.recycleIdle()
		}
	}
}

func (p *Pool) runHealthChecks() {
	if p.healthCheck == nil {
		return
	}
	p.mu.Lock()
	var all []*Instance
	for _, list := range p.instances {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, inst := range all {
		inst.healthy.Store(p.healthCheck(inst))
	}
}

// recycleIdle removes instances with a zero refcount that have been idle
// longer than minIdle, or that are unhealthy, closing each in a
// bounded-concurrency group.
func (p *Pool) recycleIdle() {
	p.mu.Lock()
	var toRemove []*Instance
	for origin, list := range p.instances {
		keep := list[:0]
		for _, inst := range list {
			if inst.refCount.Load() <= 0 && (!inst.healthy.Load() || inst.idleDuration() >= p.minIdle) {
				toRemove = append(toRemove, inst)
				continue
			}
			keep = append(keep, inst)
		}
		p.instances[origin] = keep
	}
	p.mu.Unlock()

	if len(toRemove) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(recycleConcurrency)
	for _, inst := range toRemove {
		inst := inst
		g.Go(func() error {
			if err := inst.Driver.Close(); err != nil {
				log.Debug().Err(err).Str("origin", inst.Origin).Msg("error closing recycled browser instance")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops background routines and closes every pooled instance.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	var all []*Instance
	for _, list := range p.instances {
		all = append(all, list...)
	}
	p.instances = make(map[string][]*Instance)
	p.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(recycleConcurrency)
	for _, inst := range all {
		inst := inst
		g.Go(func() error {
			return inst.Driver.Close()
		})
	}
	return g.Wait()
}
