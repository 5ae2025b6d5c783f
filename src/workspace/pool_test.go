package workspace

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStorage hands out unique fake paths and records destroys.
type memStorage struct {
	mu          sync.Mutex
	seq         int
	live        map[string]bool
	destroyed   []string
	failDestroy map[string]bool
	failCreate  bool
}

func newMemStorage() *memStorage {
	return &memStorage{live: map[string]bool{}, failDestroy: map[string]bool{}}
}

func (s *memStorage) Create(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return "", errors.New("disk full")
	}
	s.seq++
	path := fmt.Sprintf("/mem/%s-%d", id, s.seq)
	s.live[path] = true
	return path, nil
}

func (s *memStorage) Destroy(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, path)
	if s.failDestroy[path] {
		return errors.New("device busy")
	}
	delete(s.live, path)
	return nil
}

func (s *memStorage) creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *memStorage) wasDestroyed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.destroyed {
		if p == path {
			return true
		}
	}
	return false
}

func newTestPool(t *testing.T, capacity int, clock *fakeClock, storage Storage) *Pool {
	t.Helper()
	p, err := NewPool(Config{Capacity: capacity, Retention: time.Hour, Storage: storage, Clock: clock.Now})
	require.NoError(t, err)
	return p
}

func TestNewPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{Capacity: 0, Storage: newMemStorage()})
	require.Error(t, err)
	_, err = NewPool(Config{Capacity: 1})
	require.Error(t, err)

	p, err := NewPool(Config{Capacity: 1, Storage: newMemStorage()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, p.retention)
}

func TestPool_ReuseKeepsStorage(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	storage := newMemStorage()
	p := newTestPool(t, 2, clock, storage)
	ctx := context.Background()

	ws, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	require.NotEmpty(t, ws.Path)
	p.Release(ws)

	clock.Advance(time.Minute)
	again, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	assert.Same(t, ws, again)
	assert.Equal(t, ws.Path, again.Path)
	assert.Equal(t, 1, storage.creates())

	info, ok := p.Lookup("ws-a")
	require.True(t, ok)
	assert.True(t, info.InUse)
	assert.Equal(t, clock.Now(), info.LastUsed)
}

func TestPool_SameIdentityBusy(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2, newFakeClock(), newMemStorage())
	ctx := context.Background()

	ws, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "ws-a")
	require.ErrorIs(t, err, ErrWorkspaceBusy)

	p.Release(ws)
	_, err = p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
}

func TestPool_ExhaustedWhenAllInUse(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2, newFakeClock(), newMemStorage())
	ctx := context.Background()

	_, err := p.Acquire(ctx, "task-a")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "task-b")
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "task-c")
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, p.Stats().Size)
	assert.Equal(t, 2, p.Stats().InUse)
}

func TestPool_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	storage := newMemStorage()
	p := newTestPool(t, 2, clock, storage)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := p.Acquire(ctx, "ws-b")
	require.NoError(t, err)

	// b is released first but a is touched later on release.
	clock.Advance(time.Second)
	p.Release(b)
	clock.Advance(time.Second)
	p.Release(a)

	clock.Advance(time.Second)
	c, err := p.Acquire(ctx, "ws-c")
	require.NoError(t, err)
	require.NotNil(t, c)

	_, ok := p.Lookup("ws-b")
	assert.False(t, ok, "b was least recently used")
	_, ok = p.Lookup("ws-a")
	assert.True(t, ok)
	assert.True(t, storage.wasDestroyed(b.Path))
	assert.Equal(t, uint64(1), p.Stats().Evictions)
}

func TestPool_EvictionTieBreak(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	p := newTestPool(t, 2, clock, newMemStorage())
	ctx := context.Background()

	b, err := p.Acquire(ctx, "ws-b")
	require.NoError(t, err)
	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	p.Release(a)
	p.Release(b)

	// Same lastUsed and same CreatedAt: id decides.
	_, err = p.Acquire(ctx, "ws-c")
	require.NoError(t, err)
	_, ok := p.Lookup("ws-a")
	assert.False(t, ok)
	_, ok = p.Lookup("ws-b")
	assert.True(t, ok)
}

func TestPool_EvictionSkipsInUse(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	p := newTestPool(t, 2, clock, newMemStorage())
	ctx := context.Background()

	old, err := p.Acquire(ctx, "ws-old")
	require.NoError(t, err)
	clock.Advance(time.Second)
	idle, err := p.Acquire(ctx, "ws-idle")
	require.NoError(t, err)
	p.Release(idle)

	clock.Advance(time.Second)
	_, err = p.Acquire(ctx, "ws-new")
	require.NoError(t, err)

	info, ok := p.Lookup("ws-old")
	require.True(t, ok, "held workspace must survive eviction")
	assert.True(t, info.InUse)
	_, ok = p.Lookup("ws-idle")
	assert.False(t, ok)
	p.Release(old)
}

func TestPool_AcquireCleansOrphans(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	storage := newMemStorage()
	p := newTestPool(t, 10, clock, storage)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	p.Release(a)

	clock.Advance(2 * time.Hour)
	_, err = p.Acquire(ctx, "ws-b")
	require.NoError(t, err)

	_, ok := p.Lookup("ws-a")
	assert.False(t, ok)
	assert.True(t, storage.wasDestroyed(a.Path))
	assert.Equal(t, uint64(1), p.Stats().Reclaimed)
}

func TestPool_ReclaimIdleRegardlessOfPressure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	storage := newMemStorage()
	p := newTestPool(t, 10, clock, storage)
	ctx := context.Background()

	idle, err := p.Acquire(ctx, "ws-idle")
	require.NoError(t, err)
	p.Release(idle)
	held, err := p.Acquire(ctx, "ws-held")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	n, err := p.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "inside retention window")

	clock.Advance(31 * time.Minute)
	n, err = p.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := p.Lookup("ws-idle")
	assert.False(t, ok)
	_, ok = p.Lookup("ws-held")
	assert.True(t, ok, "in-use workspaces are never reclaimed")
	p.Release(held)
}

func TestPool_DestroyFailureIsWarning(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	storage := newMemStorage()
	p := newTestPool(t, 1, clock, storage)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	p.Release(a)
	storage.failDestroy[a.Path] = true

	clock.Advance(time.Second)
	b, err := p.Acquire(ctx, "ws-b")
	require.NotNil(t, b, "the workspace is still handed out")
	require.Error(t, err)
	assert.True(t, IsWarning(err))
	assert.ErrorIs(t, err, ErrStorageDestroy)

	var de *DestroyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ws-a", de.ID)

	_, ok := p.Lookup("ws-a")
	assert.False(t, ok, "bookkeeping drops the entry regardless")
	stats := p.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.DestroyFailures)
}

func TestPool_CreateFailureFreesSlot(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	storage.failCreate = true
	p := newTestPool(t, 1, newFakeClock(), storage)

	ws, err := p.Acquire(context.Background(), "ws-a")
	require.Error(t, err)
	assert.Nil(t, ws)
	assert.False(t, IsWarning(err))
	assert.Zero(t, p.Stats().Size)

	storage.mu.Lock()
	storage.failCreate = false
	storage.mu.Unlock()
	_, err = p.Acquire(context.Background(), "ws-a")
	require.NoError(t, err)
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	p := newTestPool(t, 1, clock, newMemStorage())
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	p.Release(a)
	p.Release(a)
	p.Release(nil)
	assert.Zero(t, p.Stats().InUse)

	// A stale handle must not free a newer incarnation of the same id.
	clock.Advance(2 * time.Hour)
	fresh, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	require.NotSame(t, a, fresh)
	a.inUse = true
	p.Release(a)
	info, ok := p.Lookup("ws-a")
	require.True(t, ok)
	assert.True(t, info.InUse)
}

func TestPool_LastUsedMonotonic(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	p := newTestPool(t, 1, clock, newMemStorage())
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ws-a")
	require.NoError(t, err)
	before, _ := p.Lookup("ws-a")

	clock.Advance(-time.Minute)
	p.Release(a)
	after, _ := p.Lookup("ws-a")
	assert.False(t, after.LastUsed.Before(before.LastUsed))
}

func TestPool_ConcurrentIdentityUnique(t *testing.T) {
	t.Parallel()

	const capacity = 3
	p, err := NewPool(Config{Capacity: capacity, Retention: time.Hour, Storage: newMemStorage()})
	require.NoError(t, err)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		held  = map[string]bool{}
		fault error
	)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("ws-%d", rng.Intn(6))
				ws, err := p.Acquire(ctx, id)
				if err != nil {
					if !errors.Is(err, ErrPoolExhausted) && !errors.Is(err, ErrWorkspaceBusy) {
						mu.Lock()
						fault = err
						mu.Unlock()
					}
					continue
				}
				mu.Lock()
				if held[id] {
					fault = fmt.Errorf("identity %s held twice", id)
				}
				held[id] = true
				mu.Unlock()

				if size := p.Stats().Size; size > capacity {
					mu.Lock()
					fault = fmt.Errorf("pool size %d over capacity", size)
					mu.Unlock()
				}

				mu.Lock()
				delete(held, id)
				mu.Unlock()
				p.Release(ws)
			}
		}(int64(g))
	}
	wg.Wait()

	require.NoError(t, fault)
	assert.LessOrEqual(t, p.Stats().Size, capacity)
	assert.Zero(t, p.Stats().InUse)
}

func TestPool_CloseDestroysIdleAndLateReleases(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	p := newTestPool(t, 3, newFakeClock(), storage)
	ctx := context.Background()

	idle, err := p.Acquire(ctx, "ws-idle")
	require.NoError(t, err)
	p.Release(idle)
	held, err := p.Acquire(ctx, "ws-held")
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	assert.True(t, storage.wasDestroyed(idle.Path))
	assert.False(t, storage.wasDestroyed(held.Path))

	_, err = p.Acquire(ctx, "ws-new")
	require.ErrorIs(t, err, ErrPoolClosed)

	p.Release(held)
	assert.True(t, storage.wasDestroyed(held.Path))
	assert.Zero(t, p.Stats().Size)
}

func TestPool_RunReclaimer(t *testing.T) {
	t.Parallel()

	p, err := NewPool(Config{Capacity: 2, Retention: time.Millisecond, Storage: newMemStorage()})
	require.NoError(t, err)

	ws, err := p.Acquire(context.Background(), "ws-a")
	require.NoError(t, err)
	p.Release(ws)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunReclaimer(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Size == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestIsWarning(t *testing.T) {
	t.Parallel()

	de := &DestroyError{ID: "x", Path: "/p", Err: errors.New("boom")}
	assert.False(t, IsWarning(nil))
	assert.True(t, IsWarning(de))
	assert.True(t, IsWarning(errors.Join(de, de)))
	assert.True(t, IsWarning(fmt.Errorf("wrapped: %w", de)))
	assert.False(t, IsWarning(errors.Join(ErrWorkspaceBusy, de)))
	assert.False(t, IsWarning(ErrPoolExhausted))
}

func TestDirStorage(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "workspaces")
	s, err := NewDirStorage(root)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := s.Create(ctx, "ws-a")
	require.NoError(t, err)
	second, err := s.Create(ctx, "ws-a")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "each incarnation gets its own directory")

	require.NoError(t, os.WriteFile(filepath.Join(first, "file.go"), []byte("package x"), 0o644))
	require.NoError(t, s.Destroy(ctx, first))
	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err))

	require.Error(t, s.Destroy(ctx, root))
	require.Error(t, s.Destroy(ctx, filepath.Dir(root)))

	_, err = NewDirStorage("  ")
	require.Error(t, err)
}

func TestDirStoragePruneRemovesStaleDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewDirStorage(root)
	require.NoError(t, err)
	ctx := context.Background()

	// Left behind by an earlier process.
	stale, err := s.Create(ctx, "ws-old")
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh, err := s.Create(ctx, "ws-new")
	require.NoError(t, err)
	stray := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(stray, old, old))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.DirExists(t, fresh)
	assert.FileExists(t, stray, "only workspace directories are pruned")
}
