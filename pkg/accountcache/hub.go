// Package accountcache keeps one shared, observable copy of the signed-in
// account on the client side. Every view reads and subscribes to the same Hub
// instead of fetching the account on its own.
package accountcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Fetcher interface {
	FetchAccount(ctx context.Context) (*Snapshot, error)
}

type FetcherFunc func(ctx context.Context) (*Snapshot, error)

func (f FetcherFunc) FetchAccount(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Handler receives the snapshot after every change. Handlers run synchronously
// in mutation order and must not call back into the Hub's mutating methods.
type Handler func(Snapshot)

type Options struct {
	// FreshFor is how long a snapshot is served without any refetch.
	FreshFor time.Duration
	// ExpireAfter is the age past which a snapshot is no longer served.
	ExpireAfter time.Duration
	// Grace keeps a just-finished fetch's result for callers arriving right
	// after it resolved.
	Grace  time.Duration
	Store  SnapshotStore
	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FreshFor:    30 * time.Second,
		ExpireAfter: 5 * time.Minute,
		Grace:       250 * time.Millisecond,
	}
}

type subscriber struct {
	id int
	fn Handler
}

type Hub struct {
	fetcher Fetcher
	opts    Options
	log     *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu   sync.Mutex
	snap *Snapshot
	gen  uint64
	// lastFetch is when the most recent network fetch was committed.
	lastFetch time.Time

	// notifyMu serialises mutations with their dispatch so subscribers see
	// changes in the order they were applied.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     []subscriber
	nextID   int
}

func New(fetcher Fetcher, opts Options) *Hub {
	def := DefaultOptions()
	if opts.FreshFor <= 0 {
		opts.FreshFor = def.FreshFor
	}
	if opts.ExpireAfter < opts.FreshFor {
		opts.ExpireAfter = max(def.ExpireAfter, opts.FreshFor)
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	h := &Hub{
		fetcher: fetcher,
		opts:    opts,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	if h.now == nil {
		h.now = time.Now
	}
	if opts.Store != nil {
		loaded, err := opts.Store.Load()
		if err != nil {
			h.log.Warn("load persisted account snapshot", "error", err)
		} else if loaded != nil {
			s := loaded.clone()
			h.snap = &s
		}
	}
	return h
}

func (h *Hub) freshnessLocked() Freshness {
	if h.snap == nil {
		return Missing
	}
	age := h.now().Sub(h.snap.FetchedAt)
	switch {
	case age < h.opts.FreshFor:
		return Fresh
	case age < h.opts.ExpireAfter:
		return Stale
	default:
		return Expired
	}
}

func (h *Hub) Freshness() Freshness {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freshnessLocked()
}

// Cached returns the current snapshot without fetching, whatever its age.
func (h *Hub) Cached() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snap == nil {
		return Snapshot{}, false
	}
	return h.snap.clone(), true
}

// Get serves a fresh snapshot directly, serves a stale one while refreshing
// it in the background, and fetches when nothing usable is cached.
func (h *Hub) Get(ctx context.Context) (Snapshot, error) {
	h.mu.Lock()
	state := h.freshnessLocked()
	var cached Snapshot
	if h.snap != nil {
		cached = h.snap.clone()
	}
	h.mu.Unlock()

	switch state {
	case Fresh:
		return cached, nil
	case Stale:
		go func() {
			if _, err := h.fetchShared(context.Background(), true); err != nil {
				h.log.Warn("background account refresh failed", "error", err)
			}
		}()
		return cached, nil
	default:
		return h.FetchShared(ctx)
	}
}

// FetchShared fetches the account, joining any fetch already in flight. A
// caller giving up does not cancel the shared fetch for the others.
func (h *Hub) FetchShared(ctx context.Context) (Snapshot, error) {
	return h.fetchShared(ctx, true)
}

// Refresh always starts or joins a network fetch, ignoring the grace window.
func (h *Hub) Refresh(ctx context.Context) (Snapshot, error) {
	return h.fetchShared(ctx, false)
}

func (h *Hub) fetchShared(ctx context.Context, allowRecent bool) (Snapshot, error) {
	h.mu.Lock()
	// Inside the grace window the current snapshot is served, so patches
	// applied after that fetch are not rolled back.
	if allowRecent && h.snap != nil && !h.lastFetch.IsZero() && h.now().Sub(h.lastFetch) < h.opts.Grace {
		snap := h.snap.clone()
		h.mu.Unlock()
		return snap, nil
	}
	gen := h.gen
	h.mu.Unlock()

	shared := context.WithoutCancel(ctx)
	ch := h.group.DoChan(fmt.Sprintf("account:%d", gen), func() (any, error) {
		fetched, err := h.fetcher.FetchAccount(shared)
		if err != nil {
			return nil, err
		}
		if fetched == nil {
			return nil, fmt.Errorf("fetch account: empty response")
		}
		return h.commitFetch(fetched.clone(), gen), nil
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot).clone(), nil
	}
}

// commitFetch stores a fetched snapshot unless the cache was invalidated
// after the fetch started. A profile older than the cached one is not
// allowed to overwrite it.
func (h *Hub) commitFetch(s Snapshot, gen uint64) Snapshot {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return s
	}
	s.FetchedAt = h.now()
	if h.snap != nil && h.snap.Profile.Version > s.Profile.Version {
		s.Profile = h.snap.Profile
		s.Optimistic = h.snap.Optimistic
	}
	h.snap = &s
	h.lastFetch = s.FetchedAt
	out := s.clone()
	h.mu.Unlock()

	h.persist(out)
	h.dispatch(out)
	return out
}

// ApplyOptimistic patches the cached balance right after a successful
// generation. usedDelta is added to the used counter when positive. It
// reports false when there is nothing cached to patch.
func (h *Hub) ApplyOptimistic(remaining, usedDelta int64) bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.snap == nil {
		h.mu.Unlock()
		return false
	}
	next := h.snap.clone()
	next.Profile.RemainingCredits = remaining
	if usedDelta > 0 {
		next.Profile.UsedCredits += usedDelta
	}
	next.Optimistic = true
	h.snap = &next
	out := next.clone()
	h.mu.Unlock()

	h.persist(out)
	h.dispatch(out)
	return true
}

// Reconcile applies an authoritative account row pushed by the server. It
// overwrites balance and plan fields, including any optimistic patch, but
// ignores rows older than the cached version.
func (h *Hub) Reconcile(row Profile) bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.snap == nil {
		h.mu.Unlock()
		return false
	}
	if row.Version > 0 && row.Version < h.snap.Profile.Version {
		h.mu.Unlock()
		h.log.Debug("ignoring out-of-order account change", "version", row.Version)
		return false
	}
	next := h.snap.clone()
	p := &next.Profile
	p.RemainingCredits = row.RemainingCredits
	if row.Plan != "" {
		p.Plan = row.Plan
	}
	if row.TotalCredits != 0 || row.UsedCredits != 0 {
		p.TotalCredits = row.TotalCredits
		p.UsedCredits = row.UsedCredits
	}
	if !row.ResetDate.IsZero() {
		p.ResetDate = row.ResetDate
	}
	if row.Version > p.Version {
		p.Version = row.Version
	}
	next.Optimistic = false
	h.snap = &next
	out := next.clone()
	h.mu.Unlock()

	h.persist(out)
	h.dispatch(out)
	return true
}

// Invalidate drops everything cached, in memory and persisted. A fetch that
// started before the call will not repopulate the cache.
func (h *Hub) Invalidate() {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	h.snap = nil
	h.lastFetch = time.Time{}
	h.gen++
	h.mu.Unlock()

	if h.opts.Store != nil {
		if err := h.opts.Store.Clear(); err != nil {
			h.log.Warn("clear persisted account snapshot", "error", err)
		}
	}
}

// CreditsEvent is the in-process notification raised after credits change.
// With Remaining set it is applied optimistically, otherwise the Hub refetches.
type CreditsEvent struct {
	Remaining   *int64
	CreditsUsed *int64
}

func (h *Hub) OnCreditsChanged(ctx context.Context, evt CreditsEvent) error {
	if evt.Remaining != nil {
		var used int64
		if evt.CreditsUsed != nil {
			used = *evt.CreditsUsed
		}
		if h.ApplyOptimistic(*evt.Remaining, used) {
			return nil
		}
	}
	_, err := h.Refresh(ctx)
	return err
}

func (h *Hub) Subscribe(fn Handler) int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.nextID++
	h.subs = append(h.subs, subscriber{id: h.nextID, fn: fn})
	return h.nextID
}

func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s subscriber) bool { return s.id == id })
}

func (h *Hub) dispatch(s Snapshot) {
	h.subsMu.Lock()
	subs := slices.Clone(h.subs)
	h.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(s.clone())
	}
}

func (h *Hub) persist(s Snapshot) {
	if h.opts.Store == nil {
		return
	}
	if err := h.opts.Store.Save(s); err != nil {
		h.log.Warn("persist account snapshot", "error", err)
	}
}
