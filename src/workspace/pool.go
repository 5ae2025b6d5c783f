// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package workspace keeps a bounded set of reusable, isolated workspaces,
// one per task identity, with LRU eviction and idle reclamation.
package workspace

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"continuumreview/src/logging"

	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrPoolExhausted means the pool is full and every entry is in use.
	ErrPoolExhausted = errors.New("workspace: pool exhausted")
	// ErrWorkspaceBusy means the identity's workspace is held by another task.
	ErrWorkspaceBusy = errors.New("workspace: workspace in use")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("workspace: pool closed")
	// ErrStorageDestroy marks a warning-class failure: the entry is gone from
	// the pool but its backing storage may be left behind.
	ErrStorageDestroy = errors.New("workspace: storage destroy failed")
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultReclaimInterval = 6 * time.Hour

	closeDestroyTimeout = 30 * time.Second
)

// DestroyError reports one workspace whose storage could not be removed.
type DestroyError struct {
	ID   string
	Path string
	Err  error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("workspace: destroy %s (%s): %v", e.ID, e.Path, e.Err)
}

func (e *DestroyError) Unwrap() []error {
	return []error{ErrStorageDestroy, e.Err}
}

// IsWarning reports whether err only carries storage destroy failures.
func IsWarning(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *DestroyError:
		return true
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if !IsWarning(inner) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		return IsWarning(e.Unwrap())
	default:
		return err == ErrStorageDestroy
	}
}

// Workspace is the handle returned by Acquire. ID, Path and CreatedAt are
// fixed once Acquire returns; the rest is pool bookkeeping.
type Workspace struct {
	ID        string
	Path      string
	CreatedAt time.Time

	lastUsed time.Time
	inUse    bool
}

// touch keeps lastUsed monotonic even if the clock steps backwards.
func (w *Workspace) touch(now time.Time) {
	if now.After(w.lastUsed) {
		w.lastUsed = now
	}
}

// Info is a point-in-time copy of one entry.
type Info struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	InUse     bool      `json:"in_use"`
}

type Stats struct {
	Capacity        int    `json:"capacity"`
	Size            int    `json:"size"`
	InUse           int    `json:"in_use"`
	Evictions       uint64 `json:"evictions"`
	Reclaimed       uint64 `json:"reclaimed"`
	DestroyFailures uint64 `json:"destroy_failures"`
}

type Config struct {
	Capacity  int
	Retention time.Duration
	Storage   Storage
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type counters struct {
	evictions       metric.Int64Counter
	reclaimed       metric.Int64Counter
	destroyFailures metric.Int64Counter
}

func (c counters) add(ctx context.Context, counter metric.Int64Counter, n int) {
	if counter != nil && n > 0 {
		counter.Add(ctx, int64(n))
	}
}

// Pool owns every workspace it hands out. All bookkeeping happens under mu;
// storage I/O never does.
type Pool struct {
	mu        sync.Mutex
	entries   map[string]*Workspace
	capacity  int
	retention time.Duration
	storage   Storage
	now       func() time.Time
	closed    bool

	evictions       uint64
	reclaimed       uint64
	destroyFailures uint64

	metrics counters
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("workspace: capacity must be > 0, got %d", cfg.Capacity)
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("workspace: storage is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	p := &Pool{
		entries:   make(map[string]*Workspace, cfg.Capacity),
		capacity:  cfg.Capacity,
		retention: cfg.Retention,
		storage:   cfg.Storage,
		now:       cfg.Clock,
	}
	p.metrics.evictions, _ = logging.InitializeIntCounter("workspace_evictions", "Workspaces evicted to make room", "Workspace")
	p.metrics.reclaimed, _ = logging.InitializeIntCounter("workspace_reclaimed", "Idle workspaces reclaimed", "Workspace")
	p.metrics.destroyFailures, _ = logging.InitializeIntCounter("workspace_destroy_failures", "Workspace storage removals that failed", "Workspace")
	return p, nil
}

// Acquire hands out the workspace for id, marked in use. An idle entry for
// id is reused as is. Otherwise a new one is created, evicting the least
// recently used idle entry when the pool is full.
//
// When the returned workspace is non-nil any error is warning-class
// (ErrStorageDestroy from an eviction or orphan cleanup) and the workspace is
// usable.
func (p *Pool) Acquire(ctx context.Context, id string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace: empty identity")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	now := p.now()
	victims := p.collectOrphansLocked(now)
	orphans := len(victims)

	if ws, ok := p.entries[id]; ok {
		if ws.inUse {
			p.mu.Unlock()
			p.finishReclaim(ctx, orphans)
			return nil, errors.Join(ErrWorkspaceBusy, p.destroy(ctx, victims))
		}
		ws.inUse = true
		ws.touch(now)
		p.mu.Unlock()

		p.finishReclaim(ctx, orphans)
		return ws, p.destroy(ctx, victims)
	}

	evicted := false
	if len(p.entries) >= p.capacity {
		victim, err := p.selectVictimLocked()
		if err != nil {
			p.mu.Unlock()
			p.finishReclaim(ctx, orphans)
			return nil, errors.Join(err, p.destroy(ctx, victims))
		}
		delete(p.entries, victim.ID)
		p.evictions++
		victims = append(victims, victim)
		evicted = true
	}

	ws := &Workspace{ID: id, CreatedAt: now, lastUsed: now, inUse: true}
	p.entries[id] = ws
	p.mu.Unlock()

	p.finishReclaim(ctx, orphans)
	if evicted {
		victim := victims[len(victims)-1]
		p.metrics.add(ctx, p.metrics.evictions, 1)
		logging.Log("Evicted least recently used workspace", slog.LevelInfo,
			"workspace", victim.ID, "for", id)
	}
	warn := p.destroy(ctx, victims)

	path, err := p.storage.Create(ctx, id)
	if err != nil {
		p.mu.Lock()
		if p.entries[id] == ws {
			delete(p.entries, id)
		}
		p.mu.Unlock()
		return nil, errors.Join(fmt.Errorf("workspace: create %s: %w", id, err), warn)
	}

	p.mu.Lock()
	ws.Path = path
	p.mu.Unlock()
	return ws, warn
}

// Release returns ws to the pool without destroying it. Releasing a
// workspace twice, or one the pool no longer tracks, does nothing.
func (p *Pool) Release(ws *Workspace) {
	if ws == nil {
		return
	}

	p.mu.Lock()
	cur, ok := p.entries[ws.ID]
	if !ok || cur != ws || !ws.inUse {
		p.mu.Unlock()
		return
	}
	ws.inUse = false
	ws.touch(p.now())

	var late []*Workspace
	if p.closed {
		delete(p.entries, ws.ID)
		late = append(late, ws)
	}
	p.mu.Unlock()

	if len(late) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), closeDestroyTimeout)
		defer cancel()
		if err := p.destroy(ctx, late); err != nil {
			logging.Log("Failed to remove workspace released after close", slog.LevelWarn, "error", err)
		}
	}
}

// Reclaim destroys every idle entry unused for longer than the retention
// window, regardless of capacity pressure.
func (p *Pool) Reclaim(ctx context.Context) (int, error) {
	p.mu.Lock()
	victims := p.collectOrphansLocked(p.now())
	p.mu.Unlock()

	p.finishReclaim(ctx, len(victims))
	return len(victims), p.destroy(ctx, victims)
}

// RunReclaimer calls Reclaim every interval until ctx is done.
func (p *Pool) RunReclaimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Reclaim(ctx)
			if err != nil {
				logging.Log(fmt.Sprintf("Workspace reclaim finished with warnings: %v", err), slog.LevelWarn)
			}
			if n > 0 {
				logging.Log(fmt.Sprintf("Reclaimed %d idle workspaces", n), slog.LevelInfo)
			}
		}
	}
}

// Close stops the pool from handing out workspaces and destroys every idle
// entry. Entries still in use are destroyed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var victims []*Workspace
	for id, ws := range p.entries {
		if !ws.inUse {
			victims = append(victims, ws)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	if len(victims) > 0 {
		logging.Log(fmt.Sprintf("Cleaning up %d idle workspaces...", len(victims)), slog.LevelInfo)
	}
	return p.destroy(ctx, victims)
}

// Lookup returns a snapshot of the entry for id.
func (p *Pool) Lookup(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws, ok := p.entries[id]
	if !ok {
		return Info{}, false
	}
	return ws.info(), true
}

// Snapshot lists every entry ordered by id.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.entries))
	for _, ws := range p.entries {
		out = append(out, ws.info())
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Capacity:        p.capacity,
		Size:            len(p.entries),
		Evictions:       p.evictions,
		Reclaimed:       p.reclaimed,
		DestroyFailures: p.destroyFailures,
	}
	for _, ws := range p.entries {
		if ws.inUse {
			s.InUse++
		}
	}
	return s
}

func (w *Workspace) info() Info {
	return Info{
		ID:        w.ID,
		Path:      w.Path,
		CreatedAt: w.CreatedAt,
		LastUsed:  w.lastUsed,
		InUse:     w.inUse,
	}
}

// collectOrphansLocked untracks idle entries past retention and returns them
// for destruction.
func (p *Pool) collectOrphansLocked(now time.Time) []*Workspace {
	var orphans []*Workspace
	for id, ws := range p.entries {
		if ws.inUse || now.Sub(ws.lastUsed) <= p.retention {
			continue
		}
		delete(p.entries, id)
		orphans = append(orphans, ws)
	}
	p.reclaimed += uint64(len(orphans))
	return orphans
}

// selectVictimLocked picks the idle entry with the oldest lastUsed, breaking
// ties by creation time and then id.
func (p *Pool) selectVictimLocked() (*Workspace, error) {
	var victim *Workspace
	for _, ws := range p.entries {
		if ws.inUse {
			continue
		}
		if victim == nil || lessRecentlyUsed(ws, victim) {
			victim = ws
		}
	}
	if victim == nil {
		return nil, ErrPoolExhausted
	}
	if victim.inUse {
		// Never evict a held workspace; fail closed instead.
		return nil, fmt.Errorf("%w: eviction candidate %s is in use", ErrPoolExhausted, victim.ID)
	}
	return victim, nil
}

func lessRecentlyUsed(a, b *Workspace) bool {
	if c := a.lastUsed.Compare(b.lastUsed); c != 0 {
		return c < 0
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func (p *Pool) finishReclaim(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	p.metrics.add(ctx, p.metrics.reclaimed, n)
	logging.Log("Reclaiming orphaned workspaces", slog.LevelInfo, "count", n)
}

// destroy removes the storage of entries already untracked. Failures are
// counted and returned; they never put an entry back.
func (p *Pool) destroy(ctx context.Context, victims []*Workspace) error {
	var errs []error
	for _, ws := range victims {
		if ws.Path == "" {
			continue
		}
		if err := p.storage.Destroy(ctx, ws.Path); err != nil {
			errs = append(errs, &DestroyError{ID: ws.ID, Path: ws.Path, Err: err})
			logging.Log("Failed to destroy workspace storage", slog.LevelWarn,
				"workspace", ws.ID, "path", ws.Path, "error", err)
		}
	}
	if len(errs) > 0 {
		p.mu.Lock()
		p.destroyFailures += uint64(len(errs))
		p.mu.Unlock()
		p.metrics.add(ctx, p.metrics.destroyFailures, len(errs))
	}
	return errors.Join(errs...)
}
