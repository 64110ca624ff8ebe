package blocklist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/resolver"
	"sinkhole/pkg/telemetry"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

// snapshot binds a matcher to the cache it populated. Swapping the pair as
// one value means no reader can observe a new matcher with stale cached
// results, or the reverse.
type snapshot struct {
	matcher *Matcher
	cache   *lru.Cache[string, MatchResult]
}

// Manager owns the current blocklist snapshot and its reload lifecycle.
// Reads are lock-free: every query loads the snapshot pointer once and
// matches against that immutable view, so an administrative reload can
// never expose a partially updated blocklist to an in-flight query.
type Manager struct {
	cfg     *config.Config
	loader  *Loader
	logger  *logging.Logger
	metrics *telemetry.Metrics

	current    atomic.Pointer[snapshot]
	lastLoaded atomic.Value

	watcher      *fsnotify.Watcher
	reloadTicker *time.Ticker
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
}

// NewManager creates a blocklist manager. The initial snapshot is empty;
// call Load (or Start, which loads first) before serving queries.
func NewManager(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	loader := NewLoader(logger)
	if len(cfg.Blocklist.URLs) > 0 {
		// Remote lists must not resolve through the host resolver, which
		// may point back at this very server.
		res := resolver.New(cfg.UpstreamDNSServers, logger)
		loader.SetHTTPClient(res.NewHTTPClient(60 * time.Second))
	}

	m := &Manager{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}

	m.current.Store(m.newSnapshot(NewMatcher(nil)))
	m.lastLoaded.Store(time.Time{})

	return m
}

func (m *Manager) newSnapshot(matcher *Matcher) *snapshot {
	size := m.cfg.Blocklist.MatchCacheSize
	if size <= 0 {
		size = 8192
	}
	cache, err := lru.New[string, MatchResult](size)
	if err != nil {
		// Only reachable with a non-positive size, which we just excluded.
		panic(fmt.Sprintf("blocklist: match cache: %v", err))
	}
	return &snapshot{matcher: matcher, cache: cache}
}

// Load reads all configured blocklist files and atomically swaps in a new
// snapshot. It fails when every source is unreadable or yields no entries:
// running with an empty policy would silently pass every query through.
func (m *Manager) Load(ctx context.Context) error {
	startTime := time.Now()

	old := m.current.Load()
	oldSize := old.matcher.Size()

	entries := m.loader.LoadAll(m.cfg.Blocklist.Files, m.cfg.Blocklist.URLs)
	if len(entries) == 0 {
		return fmt.Errorf("no blocklist entries loaded from %d configured sources",
			len(m.cfg.Blocklist.Files)+len(m.cfg.Blocklist.URLs))
	}

	matcher := NewMatcher(entries)
	m.current.Store(m.newSnapshot(matcher))
	m.lastLoaded.Store(time.Now())

	newSize := matcher.Size()
	if m.metrics != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(newSize-oldSize))
	}

	m.logger.Info("Blocklist loaded",
		"suffixes", newSize,
		"sources", len(m.cfg.Blocklist.Files)+len(m.cfg.Blocklist.URLs),
		"duration", time.Since(startTime))

	return nil
}

// Start performs the initial load and begins the reload loop (file watching
// and/or periodic reload, per configuration). The initial load failing is
// fatal: the service must not start with an undefined policy.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Blocklist manager already started")
		return nil
	}

	m.stopChan = make(chan struct{})

	if err := m.Load(ctx); err != nil {
		m.started.Store(false)
		return fmt.Errorf("initial blocklist load failed: %w", err)
	}

	if m.cfg.Blocklist.WatchFiles {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create blocklist watcher: %w", err)
		}
		for _, path := range m.cfg.Blocklist.Files {
			if err := watcher.Add(path); err != nil {
				m.logger.Warn("Failed to watch blocklist file", "path", path, "error", err)
			}
		}
		m.watcher = watcher
	}

	if m.cfg.Blocklist.ReloadInterval > 0 {
		m.reloadTicker = time.NewTicker(m.cfg.Blocklist.ReloadInterval)
	}

	if m.watcher != nil || m.reloadTicker != nil {
		m.wg.Add(1)
		go m.reloadLoop(ctx)
	}

	return nil
}

// Stop gracefully stops the blocklist manager
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	m.logger.Info("Stopping blocklist manager")

	close(m.stopChan)
	if m.reloadTicker != nil {
		m.reloadTicker.Stop()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}

	m.wg.Wait()
}

// Match resolves a query name against the current blocklist snapshot.
// Matching is pure per snapshot, so results are cached in a per-snapshot
// LRU; the cache retires together with the matcher on reload.
func (m *Manager) Match(name string) MatchResult {
	snap := m.current.Load()

	if result, ok := snap.cache.Get(name); ok {
		if m.metrics != nil {
			m.metrics.MatchCacheHits.Add(context.Background(), 1)
		}
		return result
	}

	result := snap.matcher.Match(name)
	snap.cache.Add(name, result)
	if m.metrics != nil {
		m.metrics.MatchCacheMisses.Add(context.Background(), 1)
	}
	return result
}

// Size returns the number of suffixes in the current snapshot
func (m *Manager) Size() int {
	return m.current.Load().matcher.Size()
}

// LastLoaded returns the timestamp of the most recent successful load.
func (m *Manager) LastLoaded() time.Time {
	if v := m.lastLoaded.Load(); v != nil {
		if ts, ok := v.(time.Time); ok {
			return ts
		}
	}
	return time.Time{}
}

// reloadLoop applies scheduled and file-change triggered reloads. File
// events are debounced because editors and atomic-rename updaters fire
// several events per rewrite.
func (m *Manager) reloadLoop(ctx context.Context) {
	defer m.wg.Done()

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 250 * time.Millisecond

	var tickerC <-chan time.Time
	if m.reloadTicker != nil {
		tickerC = m.reloadTicker.C
	}
	var eventsC chan fsnotify.Event
	var errorsC chan error
	if m.watcher != nil {
		eventsC = m.watcher.Events
		errorsC = m.watcher.Errors
	}

	for {
		select {
		case <-m.stopChan:
			return

		case event, ok := <-eventsC:
			if !ok {
				eventsC = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-errorsC:
			if !ok {
				errorsC = nil
				continue
			}
			m.logger.Error("Blocklist watcher error", "error", err)

		case <-tickerC:
			m.reload(ctx)

		case <-debounceTimer.C:
			m.reload(ctx)
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := m.Load(reloadCtx); err != nil {
		// Keep serving the previous snapshot; a failed reload must never
		// leave the service without a policy.
		m.logger.Error("Blocklist reload failed, keeping previous snapshot", "error", err)
	}
}
