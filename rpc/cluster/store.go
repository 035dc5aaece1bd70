package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dRESP/rpc/metrics"
)

var Logger = logger.GetLogger("cluster")

// ViewSource fetches the partition table from one or more nodes
type ViewSource interface {
	Views(ctx context.Context) ([]View, error)
}

// ViewSourceFunc adapts a function to ViewSource
type ViewSourceFunc func(ctx context.Context) ([]View, error)

func (f ViewSourceFunc) Views(ctx context.Context) ([]View, error) { return f(ctx) }

// ChangeListener is called after a new snapshot was installed
type ChangeListener func(old, new *Snapshot)

// Store holds the current topology snapshot. Readers load it lock free and
// keep a consistent reference for a whole routing decision, writers replace
// it atomically after validation.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes installs
	version   uint64
	listeners []ChangeListener

	source   ViewSource
	interval time.Duration
	timeout  time.Duration

	refreshCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
}

// NewStore creates an empty store. interval <= 0 disables periodic refreshes.
func NewStore(source ViewSource, interval time.Duration) *Store {
	return &Store{
		source:    source,
		interval:  interval,
		timeout:   5 * time.Second,
		refreshCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Snapshot returns the current snapshot, nil before the first install
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnChange registers a listener for installed snapshots. Listeners run on the
// installing goroutine and must not call Apply or Refresh.
func (s *Store) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Apply reconciles views and installs the result. A result that violates the
// coverage invariant is rejected and the current snapshot stays. A result
// with the same layout as the current snapshot installs nothing, so applying
// the same views twice is idempotent. It reports whether a new snapshot was
// installed.
func (s *Store) Apply(views ...View) (bool, error) {
	partitions := Reconcile(views...)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate, err := NewSnapshot(s.version+1, partitions)
	if err != nil {
		metrics.RecordRefresh("rejected")
		Logger.Warningf("topology rejected, keeping version %d: %v", s.version, err)
		return false, fmt.Errorf("invalid topology: %w", err)
	}

	old := s.current.Load()
	if old.SameLayout(candidate) {
		metrics.RecordRefresh("unchanged")
		return false, nil
	}

	s.version++
	s.current.Store(candidate)
	metrics.RecordRefresh("installed")
	Logger.Infof("installed topology version %d (%d partitions, %d nodes)",
		candidate.Version(), len(candidate.Partitions()), len(candidate.nodes))

	for _, l := range s.listeners {
		l(old, candidate)
	}
	return true, nil
}

// Refresh fetches the views from the source and applies them
func (s *Store) Refresh(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("topology store has no view source")
	}
	views, err := s.source.Views(ctx)
	if err != nil {
		metrics.RecordRefresh("error")
		return fmt.Errorf("failed to fetch topology: %w", err)
	}
	_, err = s.Apply(views...)
	return err
}

// RefreshAsync requests a refresh by the background loop. Requests arriving
// while one is pending are coalesced into it.
func (s *Store) RefreshAsync() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Start runs the background loop serving periodic and requested refreshes
// until ctx is done or the store is closed. Calling it again is a no-op.
func (s *Store) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Close stops the background loop
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Store) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-tick:
		case <-s.refreshCh:
		}

		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := s.Refresh(rctx); err != nil {
			Logger.Warningf("topology refresh failed: %v", err)
		}
		cancel()
	}
}
