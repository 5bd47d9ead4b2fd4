// Package registry implements the session→worker→target ownership tree,
// the heart of the broker (C5). It enforces the ownership bijection
// invariant, TTL-based eviction, and orphan-tab reaping.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browserkit/broker/internal/browserpool"
	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/pagepool"
	"github.com/browserkit/broker/internal/queue"
	"github.com/browserkit/broker/internal/refs"
	"github.com/browserkit/broker/internal/router"
	"github.com/browserkit/broker/internal/storagestate"
	"github.com/browserkit/broker/internal/types"
)

const (
	blankSentinel       = "about:blank"
	orphanReapDelay     = 500 * time.Millisecond
	evictionConcurrency = 4
)

// Target is a single browser page owned by exactly one (session, worker). It
// optionally mirrors a light-backend page so the hybrid router (C6) can move
// calls between backends without recreating the tab.
type Target struct {
	ID        string
	Page      driver.Page
	LightPage driver.Page
	Pooled    bool

	backend    router.Backend
	currentURL string
}

// Worker is a set of tabs sharing an isolation context.
type Worker struct {
	ID         string
	Name       string
	SessionID  string
	Isolated   bool
	BoundPort  int
	PoolOrigin string
	CreatedAt  time.Time

	mu      sync.Mutex
	targets map[string]*Target

	lastActivity atomic.Int64
	poolInstance *browserpool.Instance
}

func newWorker(id, sessionID, name string, isolated bool) *Worker {
	w := &Worker{
		ID:        id,
		Name:      name,
		SessionID: sessionID,
		Isolated:  isolated,
		CreatedAt: time.Now(),
		targets:   make(map[string]*Target),
	}
	w.touch()
	return w
}

func (w *Worker) touch() { w.lastActivity.Store(time.Now().UnixNano()) }

// Session is a client-visible unit of isolation.
type Session struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	DefaultWorkerID string

	mu      sync.Mutex
	workers map[string]*Worker

	lastActivity atomic.Int64
	closing      atomic.Bool

	primaryPage         driver.Page
	storageOrigins      []string
	storageStopWatchdog func()
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the session's last-touched time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

type ownerKey struct {
	SessionID string
	WorkerID  string
}

func (o ownerKey) String() string { return o.SessionID + ":" + o.WorkerID }

// Stats is a point-in-time snapshot of registry-wide counters.
type Stats struct {
	Sessions    int
	Workers     int
	Targets     int
	Uptime      time.Duration
	LastCleanup time.Time
}

// Deps bundles the registry's collaborators, assembled by the composition
// root.
type Deps struct {
	Driver      driver.Driver
	PagePool    *pagepool.Pool
	Refs        *refs.Manager
	MaxSessions int
	MaxWorkers  int
	SessionTTL  time.Duration
	UsePagePool bool

	// Router and LightDriver enable the hybrid backend router (C6). Both are
	// optional; with either nil, every target runs heavy-only.
	Router      *router.Router
	LightDriver driver.Driver

	// BrowserPool enables per-origin browser binding (C3) for workers
	// created with a target URL. Optional.
	BrowserPool *browserpool.Pool

	// StorageState enables cookie/localStorage persistence (C10). Optional;
	// StorageWatchdogInterval and StorageFlushCounter only matter when set.
	StorageState            *storagestate.Manager
	StorageWatchdogInterval time.Duration
	StorageFlushCounter     interface{ Inc() }
}

// Registry is the session/worker/target tree plus the global owner map.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	owners     map[string]ownerKey       // targetID -> owner
	ipcOwners  map[string]map[string]bool // ipc connection worker id -> session ids it created

	drv         driver.Driver
	pagePool    *pagepool.Pool
	usePagePool bool
	refs        *refs.Manager
	queues      *queue.Manager

	rtr      *router.Router
	lightDrv driver.Driver
	bpool    *browserpool.Pool

	storageState            *storagestate.Manager
	storageWatchdogInterval time.Duration
	storageFlush            func()

	maxSessions int
	maxWorkers  int
	sessionTTL  time.Duration

	startedAt   time.Time
	lastCleanup atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New constructs a registry. Callers must call StartCleanup to enable TTL
// eviction.
func New(deps Deps) *Registry {
	r := &Registry{
		sessions:                make(map[string]*Session),
		owners:                  make(map[string]ownerKey),
		ipcOwners:               make(map[string]map[string]bool),
		drv:                     deps.Driver,
		pagePool:                deps.PagePool,
		usePagePool:             deps.UsePagePool,
		refs:                    deps.Refs,
		queues:                  queue.NewManager(),
		rtr:                     deps.Router,
		lightDrv:                deps.LightDriver,
		bpool:                   deps.BrowserPool,
		storageState:            deps.StorageState,
		storageWatchdogInterval: deps.StorageWatchdogInterval,
		maxSessions:             deps.MaxSessions,
		maxWorkers:              deps.MaxWorkers,
		sessionTTL:              deps.SessionTTL,
		startedAt:               time.Now(),
		stopCh:                  make(chan struct{}),
	}
	if deps.StorageFlushCounter != nil {
		r.storageFlush = deps.StorageFlushCounter.Inc
	}
	return r
}

// StartCleanup launches the background TTL eviction sweep at the given
// interval. It is cancellation-aware: it stops on Close.
func (r *Registry) StartCleanup(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				evicted, err := r.CleanupInactive(r.sessionTTL)
				if err != nil {
					log.Error().Err(err).Msg("cleanup sweep failed")
					continue
				}
				if len(evicted) > 0 {
					log.Info().Strs("sessions", evicted).Msg("evicted idle sessions")
				}
			}
		}
	}()
}

// CreateSession creates a new session, evicting idle sessions first if at
// capacity.
func (r *Registry) CreateSession(opts types.SessionOptions) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		evicted, _ := r.CleanupInactive(r.sessionTTL)
		if len(evicted) == 0 {
			return nil, types.ErrSessionLimitReached
		}
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = generateID("sess")
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	sess := &Session{
		ID:        id,
		Name:      opts.Name,
		CreatedAt: time.Now(),
		workers:   make(map[string]*Worker),
	}
	sess.touch()

	defaultWorker := newWorker(generateID("worker"), id, "default", false)
	sess.workers[defaultWorker.ID] = defaultWorker
	sess.DefaultWorkerID = defaultWorker.ID

	r.sessions[id] = sess
	return sess, nil
}

// TrackSession associates a session with the IPC connection that created it,
// so CleanupWorker can tear the session down if the connection drops without
// an explicit session/delete.
func (r *Registry) TrackSession(ipcWorkerID, sessionID string) {
	if ipcWorkerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.ipcOwners[ipcWorkerID]
	if !ok {
		set = make(map[string]bool)
		r.ipcOwners[ipcWorkerID] = set
	}
	set[sessionID] = true
}

func (r *Registry) untrackSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ipcWorkerID, set := range r.ipcOwners {
		if set[sessionID] {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.ipcOwners, ipcWorkerID)
			}
		}
	}
}

// GetOrCreateSession returns the session for id, creating it with defaults
// if absent.
func (r *Registry) GetOrCreateSession(id string) (*Session, error) {
	if sess, ok := r.getSession(id); ok {
		r.Touch(id)
		return sess, nil
	}
	return r.CreateSession(types.SessionOptions{ID: id})
}

func (r *Registry) getSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok || sess.closing.Load() {
		return nil, false
	}
	return sess, true
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(id string) {
	if sess, ok := r.getSession(id); ok {
		sess.touch()
	}
}

// ListSessions returns all live session ids.
func (r *Registry) ListSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if !sess.closing.Load() {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeleteSession tears down a session and every worker/target it owns.
func (r *Registry) DeleteSession(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrSessionNotFound
	}
	sess.closing.Store(true)
	delete(r.sessions, id)
	r.mu.Unlock()
	r.untrackSession(id)

	sess.mu.Lock()
	workers := sess.workers
	sess.workers = nil
	stopWatchdog := sess.storageStopWatchdog
	primaryPage := sess.primaryPage
	origins := append([]string(nil), sess.storageOrigins...)
	sess.mu.Unlock()

	if stopWatchdog != nil {
		stopWatchdog()
	}
	if r.storageState != nil && primaryPage != nil && !primaryPage.IsClosed() {
		if err := r.storageState.Save(id, primaryPage, origins); err != nil {
			log.Debug().Err(err).Str("session", id).Msg("storage-state: final save failed")
		} else if r.storageFlush != nil {
			r.storageFlush()
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(evictionConcurrency)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			r.releaseWorker(w)
			return nil
		})
	}
	_ = g.Wait()

	if r.refs != nil {
		r.refs.ClearSession(id)
	}
	return nil
}

// releaseWorker closes/pools every target in w and removes their owner map
// entries; it never returns an error, matching the "release failures are
// logged, never propagated" policy (SPEC_FULL.md §4.1 invariant 4).
func (r *Registry) releaseWorker(w *Worker) {
	w.mu.Lock()
	targets := w.targets
	w.targets = nil
	w.mu.Unlock()

	for id, t := range targets {
		r.releaseTarget(t)
		r.mu.Lock()
		delete(r.owners, id)
		r.mu.Unlock()
		if r.refs != nil {
			r.refs.ClearTarget(w.SessionID, id)
		}
	}
	r.queues.Delete(queueKey(w.SessionID, w.ID))

	if w.poolInstance != nil && r.bpool != nil {
		r.bpool.Release(w.poolInstance)
	}
}

func (r *Registry) releaseTarget(t *Target) {
	if t.LightPage != nil {
		if err := t.LightPage.Close(); err != nil {
			log.Debug().Err(err).Str("target", t.ID).Msg("light backend: error closing mirror page, ignored")
		}
	}
	if t.Pooled && r.pagePool != nil {
		r.pagePool.Release(t.Page)
		return
	}
	if err := t.Page.Close(); err != nil {
		log.Debug().Err(err).Str("target", t.ID).Msg("driver error closing target, ignored")
	}
}

// CreateWorker adds a worker to an existing session. When opts.TargetURL is
// present and a browser pool is configured, it binds the worker to a pooled
// instance for that origin (§4.1); pool exhaustion or creation failure is
// logged and the worker falls back to the default driver.
func (r *Registry) CreateWorker(sessionID string, opts types.WorkerOptions) (*Worker, error) {
	sess, ok := r.getSession(sessionID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	w := newWorker(generateID("worker"), sessionID, opts.Name, opts.UseIsolation)

	if opts.TargetURL != "" && r.bpool != nil {
		if origin := deriveOrigin(opts.TargetURL); origin != "" {
			inst, err := r.bpool.Acquire(context.Background(), origin)
			if err != nil {
				log.Debug().Err(err).Str("origin", origin).Msg("browser pool: acquire failed, worker falls back to the default driver")
			} else {
				w.poolInstance = inst
				w.BoundPort = inst.Port
				w.PoolOrigin = inst.Origin
			}
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.workers) >= r.maxWorkers {
		if w.poolInstance != nil {
			r.bpool.Release(w.poolInstance)
		}
		return nil, types.ErrWorkerLimitReached
	}
	sess.workers[w.ID] = w
	sess.touch()
	return w, nil
}

// DeleteWorker removes a non-default worker and releases its targets.
func (r *Registry) DeleteWorker(sessionID, workerID string) error {
	sess, ok := r.getSession(sessionID)
	if !ok {
		return types.ErrSessionNotFound
	}

	sess.mu.Lock()
	if workerID == sess.DefaultWorkerID {
		sess.mu.Unlock()
		return types.ErrCannotDeleteDefault
	}
	w, ok := sess.workers[workerID]
	if !ok {
		sess.mu.Unlock()
		return types.ErrTargetNotFound
	}
	delete(sess.workers, workerID)
	sess.touch()
	sess.mu.Unlock()

	r.releaseWorker(w)
	return nil
}

func (r *Registry) resolveWorker(sess *Session, workerID string) (*Worker, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if workerID == "" {
		workerID = sess.DefaultWorkerID
	}
	w, ok := sess.workers[workerID]
	if !ok {
		return nil, types.ErrTargetNotFound
	}
	return w, nil
}

// CreateTarget opens a new tab, pulling from the page pool when available,
// and schedules the orphan reaper.
func (r *Registry) CreateTarget(sessionID, url, workerID string) (targetID, resolvedWorkerID string, err error) {
	sess, ok := r.getSession(sessionID)
	if !ok {
		return "", "", types.ErrSessionNotFound
	}
	w, err := r.resolveWorker(sess, workerID)
	if err != nil {
		return "", "", err
	}

	preexisting, _ := r.drv.ListPageTargets()
	preSet := make(map[string]bool, len(preexisting))
	for _, id := range preexisting {
		preSet[id] = true
	}

	page, pooled, err := r.acquirePage(url, w)
	if err != nil {
		// Retry once via the non-pooled path per the failure semantics in
		// §4.1: constructive driver errors surface after one fallback retry.
		page, err = r.workerDriver(w).NewPage(context.Background(), url, false)
		if err != nil {
			return "", "", types.NewDriverError("create_target", err)
		}
		pooled = false
	}

	var lightPage driver.Page
	if r.lightDrv != nil {
		lp, lerr := r.lightDrv.NewPage(context.Background(), url, false)
		if lerr != nil {
			log.Debug().Err(lerr).Msg("light backend: mirror page create failed, calls fall back to heavy")
		} else {
			lightPage = lp
		}
	}

	target := &Target{ID: page.TargetID(), Page: page, LightPage: lightPage, Pooled: pooled, currentURL: url}

	w.mu.Lock()
	w.targets[target.ID] = target
	w.touch()
	w.mu.Unlock()

	r.mu.Lock()
	r.owners[target.ID] = ownerKey{SessionID: sessionID, WorkerID: w.ID}
	r.mu.Unlock()

	sess.touch()
	r.applyStorageState(sess, sessionID, page, url)

	time.AfterFunc(orphanReapDelay, func() {
		r.reapOrphans(preSet, target.ID)
	})

	return target.ID, w.ID, nil
}

// applyStorageState restores a persisted snapshot onto a session's first
// target and starts the periodic re-flush watchdog (§4.11). A no-op unless
// C10 is configured; safe to call on every target creation because it only
// acts the first time a session's primary page is recorded.
func (r *Registry) applyStorageState(sess *Session, sessionID string, page driver.Page, targetURL string) {
	if r.storageState == nil {
		return
	}

	sess.mu.Lock()
	first := sess.primaryPage == nil
	if first {
		sess.primaryPage = page
	}
	if origin := deriveOrigin(targetURL); origin != "" && !containsString(sess.storageOrigins, origin) {
		sess.storageOrigins = append(sess.storageOrigins, origin)
	}
	origins := append([]string(nil), sess.storageOrigins...)
	sess.mu.Unlock()

	if !first {
		return
	}

	state, err := r.storageState.Load(sessionID)
	if err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("storage-state: load failed")
	} else if state != nil {
		if err := storagestate.Apply(page, state); err != nil {
			log.Debug().Err(err).Str("session", sessionID).Msg("storage-state: apply failed")
		}
	}

	if r.storageWatchdogInterval > 0 {
		stop := r.storageState.StartWatchdog(sessionID, page, origins, r.storageWatchdogInterval)
		sess.mu.Lock()
		sess.storageStopWatchdog = stop
		sess.mu.Unlock()
	}
}

func deriveOrigin(rawURL string) string {
	if rawURL == "" || rawURL == blankSentinel {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// workerDriver returns the driver a worker's pages should be created on: the
// pool-bound instance's driver when the worker is bound to one, otherwise
// the registry's default driver.
func (r *Registry) workerDriver(w *Worker) driver.Driver {
	if w.poolInstance != nil {
		return w.poolInstance.Driver
	}
	return r.drv
}

func (r *Registry) acquirePage(url string, w *Worker) (driver.Page, bool, error) {
	if r.usePagePool && r.pagePool != nil && !w.Isolated && w.poolInstance == nil {
		page, err := r.pagePool.Acquire(context.Background())
		if err != nil {
			return nil, false, err
		}
		if url != "" && url != blankSentinel {
			if err := page.Navigate(url); err != nil {
				r.pagePool.Release(page)
				return nil, false, err
			}
		}
		return page, true, nil
	}
	drv := r.workerDriver(w)
	if w.Isolated {
		page, err := drv.NewIncognitoPage(context.Background(), url, false)
		return page, false, err
	}
	page, err := drv.NewPage(context.Background(), url, false)
	return page, false, err
}

// reapOrphans closes page-typed targets the driver spawned as a side effect
// of navigation that are neither pre-existing, the newly created target,
// nor present in the owner map.
func (r *Registry) reapOrphans(preexisting map[string]bool, newTargetID string) {
	if r.closed.Load() {
		return
	}
	current, err := r.drv.ListPageTargets()
	if err != nil {
		log.Debug().Err(err).Msg("orphan reaper: failed to list targets")
		return
	}
	r.mu.RLock()
	owners := r.owners
	r.mu.RUnlock()

	for _, id := range current {
		if id == newTargetID || preexisting[id] {
			continue
		}
		if _, owned := owners[id]; owned {
			continue
		}
		if err := r.drv.CloseTargetByID(id); err != nil {
			log.Debug().Err(err).Str("target", id).Msg("orphan reaper: failed to close unclaimed blank page")
			continue
		}
		log.Debug().Str("target", id).Msg("orphan reaper closed unclaimed blank page")
	}
}

// CloseTarget releases a target, returning its page to the pool if pooled.
func (r *Registry) CloseTarget(sessionID, targetID string) error {
	sess, ok := r.getSession(sessionID)
	if !ok {
		return types.ErrSessionNotFound
	}

	r.mu.Lock()
	owner, ok := r.owners[targetID]
	if !ok || owner.SessionID != sessionID {
		r.mu.Unlock()
		return types.ErrTargetNotFound
	}
	delete(r.owners, targetID)
	r.mu.Unlock()

	w, err := r.resolveWorker(sess, owner.WorkerID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	target, ok := w.targets[targetID]
	if ok {
		delete(w.targets, targetID)
	}
	w.touch()
	w.mu.Unlock()
	if !ok {
		return types.ErrTargetNotFound
	}

	r.releaseTarget(target)
	if r.refs != nil {
		r.refs.ClearTarget(sessionID, targetID)
	}
	sess.touch()
	return nil
}

// resolveTarget enforces ownership and returns the owning worker and target
// for a (session, target) pair.
func (r *Registry) resolveTarget(sessionID, targetID string) (*Worker, *Target, error) {
	r.mu.RLock()
	owner, ok := r.owners[targetID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, types.ErrTargetNotFound
	}
	if owner.SessionID != sessionID {
		return nil, nil, types.NewOwnershipError(targetID, ownerKey{SessionID: sessionID}.String(), owner.String())
	}

	sess, ok := r.getSession(sessionID)
	if !ok {
		return nil, nil, types.ErrSessionNotFound
	}
	w, err := r.resolveWorker(sess, owner.WorkerID)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	target, ok := w.targets[targetID]
	w.mu.Unlock()
	if !ok {
		return nil, nil, types.ErrTargetNotFound
	}
	return w, target, nil
}

// GetPage enforces ownership and returns the live page handle.
func (r *Registry) GetPage(sessionID, targetID, workerID string) (driver.Page, error) {
	w, target, err := r.resolveTarget(sessionID, targetID)
	if err != nil {
		return nil, err
	}
	if workerID != "" && w.ID != workerID {
		return nil, types.NewOwnershipError(targetID, ownerKey{SessionID: sessionID, WorkerID: workerID}.String(), ownerKey{SessionID: sessionID, WorkerID: w.ID}.String())
	}
	return target.Page, nil
}

// ExecuteCommand routes fn through the owning worker's serial queue,
// resolving the hybrid router's backend decision for tool before invoking
// fn, and touches the session.
func (r *Registry) ExecuteCommand(sessionID, targetID, tool string, fn func(driver.Page) (interface{}, error)) (interface{}, error) {
	w, target, err := r.resolveTarget(sessionID, targetID)
	if err != nil {
		return nil, err
	}

	q := r.queues.Get(queueKey(sessionID, w.ID))
	result, err := q.Submit(func() (interface{}, error) {
		return fn(r.resolveBackend(target, tool))
	})
	r.Touch(sessionID)
	return result, err
}

// Navigate moves a target to url on the heavy page and, when a light mirror
// exists, on the light page too, keeping both backends valid routing targets
// for subsequent ExecuteCommand calls.
func (r *Registry) Navigate(sessionID, targetID, navURL string) (interface{}, error) {
	w, target, err := r.resolveTarget(sessionID, targetID)
	if err != nil {
		return nil, err
	}

	q := r.queues.Get(queueKey(sessionID, w.ID))
	result, err := q.Submit(func() (interface{}, error) {
		if err := target.Page.Navigate(navURL); err != nil {
			return nil, types.NewDriverError("navigate", err)
		}
		if target.LightPage != nil {
			if err := target.LightPage.Navigate(navURL); err != nil {
				log.Debug().Err(err).Str("target", target.ID).Msg("light backend: mirror navigate failed")
			}
		}
		target.currentURL = navURL
		return map[string]bool{"ok": true}, nil
	})
	r.Touch(sessionID)
	return result, err
}

// resolveBackend applies the hybrid router's decision for tool, escalating
// from the light backend to the heavy one when a prior call on this target
// used light and this one does not (§4.4). Returns the page fn should run
// against. With no router configured every call runs on the heavy page.
func (r *Registry) resolveBackend(target *Target, tool string) driver.Page {
	if r.rtr == nil {
		return target.Page
	}

	decision := r.rtr.Route(tool, target.LightPage, nil)
	if decision.Backend == router.Light {
		target.backend = router.Light
		return target.LightPage
	}

	if target.backend == router.Light && target.LightPage != nil {
		router.Escalate(target.LightPage, target.Page, target.currentURL)
	}
	target.backend = router.Heavy
	return target.Page
}

// CleanupInactive deletes every session whose last activity predates
// maxAge, returning their ids.
func (r *Registry) CleanupInactive(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var expired []string
	for id, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.DeleteSession(id); err != nil {
			log.Debug().Err(err).Str("session", id).Msg("cleanup: session already gone")
		}
	}

	r.lastCleanup.Store(time.Now().UnixNano())
	return expired, nil
}

// CleanupWorker deletes every session created over the given IPC
// connection, invoked by the dispatcher on socket disconnect (§4.7). IPC
// connection ids and registry worker ids are distinct namespaces: an IPC
// connection may own many sessions, each with its own set of registry
// workers.
func (r *Registry) CleanupWorker(ipcWorkerID string) {
	r.mu.RLock()
	set := r.ipcOwners[ipcWorkerID]
	sessionIDs := make([]string, 0, len(set))
	for id := range set {
		sessionIDs = append(sessionIDs, id)
	}
	r.mu.RUnlock()

	for _, id := range sessionIDs {
		if err := r.DeleteSession(id); err != nil {
			log.Debug().Err(err).Str("session", id).Str("ipc_worker", ipcWorkerID).Msg("cleanup on disconnect: session already gone")
		}
	}
}

// Stats returns a point-in-time snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers, targets := 0, 0
	for _, sess := range r.sessions {
		sess.mu.Lock()
		workers += len(sess.workers)
		for _, w := range sess.workers {
			w.mu.Lock()
			targets += len(w.targets)
			w.mu.Unlock()
		}
		sess.mu.Unlock()
	}

	lastCleanup := time.Time{}
	if ts := r.lastCleanup.Load(); ts != 0 {
		lastCleanup = time.Unix(0, ts)
	}

	return Stats{
		Sessions:    len(r.sessions),
		Workers:     workers,
		Targets:     targets,
		Uptime:      time.Since(r.startedAt),
		LastCleanup: lastCleanup,
	}
}

// Close stops background routines and tears down every session.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCh)
	r.wg.Wait()
	r.queues.CloseAll()

	for _, id := range r.ListSessions() {
		_ = r.DeleteSession(id)
	}
	return nil
}

func queueKey(sessionID, workerID string) string {
	if workerID == "" {
		return sessionID
	}
	return sessionID + ":" + workerID
}

var idCounter atomic.Uint64

func generateID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), idCounter.Add(1))
}
