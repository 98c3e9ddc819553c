// Package chain owns the live option chain of the selected underlying.
//
// A Store keeps one session at a time. Selecting a symbol opens a new
// session: the previous one is cancelled, its feed subscription dropped and
// its chain discarded. Fetch results are tagged with the session generation
// and a per-session sequence number; anything that completes after being
// superseded is discarded. Live trades and periodic polls both write
// through the same mutex-guarded apply path, and no lock is held across
// I/O. Readers get deep copies.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
)

// DefaultPollInterval is the full-chain refresh period.
const DefaultPollInterval = 15 * time.Minute

// Status messages surfaced to the UI.
const (
	msgFetching   = "Fetching options data..."
	msgLoaded     = "Options data loaded"
	msgRefreshing = "Refreshing data..."
	msgRefreshed  = "Data refreshed at %s"
	msgFailed     = "Failed to fetch options data: %v"
	msgDisposed   = "Disposed"
	msgFeedLive   = "Live feed connected"
	msgFeedLost   = "Live feed disconnected"
)

var (
	// ErrDisposed is returned by operations on a disposed store.
	ErrDisposed = errors.New("chain: store disposed")

	// ErrNoSymbol is returned by Refresh before any symbol was selected.
	ErrNoSymbol = errors.New("chain: no symbol selected")

	// ErrSuperseded is returned when a fetch completed after its session
	// or a newer fetch replaced it. The result was discarded.
	ErrSuperseded = errors.New("chain: fetch superseded")

	// ErrInvalidSymbol is returned for an empty or malformed underlying.
	ErrInvalidSymbol = errors.New("chain: invalid underlying symbol")
)

// underlyingRegex matches the ticker part of a vendor option symbol.
var underlyingRegex = regexp.MustCompile(`^[A-Z]{1,10}$`)

// Fetcher loads a full chain snapshot for an underlying.
type Fetcher interface {
	FetchChain(ctx context.Context, symbol string) (*model.ChainSnapshot, error)
}

// LiveFeed is the live trade subscription the store drives.
type LiveFeed interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// UpdateKind tells listeners what changed.
type UpdateKind string

const (
	UpdateStatus UpdateKind = "status"
	UpdateChain  UpdateKind = "chain"
	UpdateTrades UpdateKind = "trades"
)

// Update is delivered to listeners after every state change.
type Update struct {
	Kind    UpdateKind             `json:"type"`
	Symbol  string                 `json:"symbol"`
	Status  model.ConnectionStatus `json:"status"`
	Applied int                    `json:"applied,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// WithFeed attaches a live feed.
func WithFeed(f LiveFeed) Option {
	return func(s *Store) { s.feed = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the chain synchronizer. It is safe for concurrent use.
type Store struct {
	fetcher      Fetcher
	feed         LiveFeed
	pollInterval time.Duration
	now          func() time.Time

	root       context.Context
	rootCancel context.CancelFunc

	mu         sync.RWMutex
	symbol     string
	gen        uint64
	seq        uint64 // last fetch sequence issued in this session
	appliedSeq uint64 // last fetch sequence applied in this session
	sessionCtx context.Context
	session    context.CancelFunc
	pollCancel context.CancelFunc
	snapshot   *model.ChainSnapshot
	status     model.ConnectionStatus
	wantFeed   string
	disposed   bool

	// feedMu serialises subscription changes; feedActive is what the feed
	// was last told.
	feedMu     sync.Mutex
	feedActive string

	lmu       sync.RWMutex
	listeners map[int]func(Update)
	nextID    int

	wg sync.WaitGroup
}

// NewStore creates a store in the disconnected state.
func NewStore(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher:      fetcher,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		listeners:    make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.root, s.rootCancel = context.WithCancel(context.Background())
	s.status = model.ConnectionStatus{Status: model.StatusDisconnected, Since: s.now()}
	metrics.SetConnectionStatus(string(model.StatusDisconnected))
	return s
}

// --- Reads ---

// Snapshot returns a deep copy of the current chain, or nil if none is
// loaded.
func (s *Store) Snapshot() *model.ChainSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Status returns the current connection status.
func (s *Store) Status() model.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Symbol returns the selected underlying, or "" if none.
func (s *Store) Symbol() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol
}

// Subscribe registers fn for change notifications and returns a function
// that unregisters it. fn is called without store locks held and must not
// block.
func (s *Store) Subscribe(fn func(Update)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(updates []Update) {
	if len(updates) == 0 {
		return
	}
	s.lmu.RLock()
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()
	for _, u := range updates {
		for _, fn := range fns {
			fn(u)
		}
	}
}

// --- Commands ---

// SelectSymbol switches the store to symbol and blocks until its initial
// fetch completes. Selecting the current symbol is a no-op. Fetch errors
// are returned and also reflected in Status; ErrSuperseded means another
// selection won the race.
func (s *Store) SelectSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !underlyingRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if symbol == s.symbol {
		s.mu.Unlock()
		return nil
	}

	prev := s.symbol
	s.closeSessionLocked()
	s.symbol = symbol
	s.gen++
	s.seq, s.appliedSeq = 0, 0
	s.snapshot = nil
	s.wantFeed = ""
	s.sessionCtx, s.session = context.WithCancel(s.root)
	sessionCtx := s.sessionCtx
	gen := s.gen
	seq := s.nextSeqLocked()
	updates := s.transitionLocked(model.StatusConnecting, msgFetching)
	s.mu.Unlock()

	if prev != "" {
		slog.Info("chain symbol switched", "from", prev, "to", symbol)
	}
	s.syncFeed()
	s.notify(append(updates, Update{Kind: UpdateChain, Symbol: symbol}))

	return s.load(ctx, sessionCtx, gen, seq, symbol, "select")
}

// Refresh re-fetches the chain of the current symbol.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.symbol == "" || s.session == nil {
		s.mu.Unlock()
		return ErrNoSymbol
	}
	symbol, gen := s.symbol, s.gen
	seq := s.nextSeqLocked()
	sessionCtx := s.sessionCtx
	updates := s.transitionLocked(model.StatusConnecting, msgFetching)
	s.mu.Unlock()

	s.notify(updates)
	return s.load(ctx, sessionCtx, gen, seq, symbol, "refresh")
}

// Dispose stops polling, drops the feed subscription, cancels in-flight
// fetches and leaves the store disconnected. It blocks until the poll
// goroutine has exited. Further commands return ErrDisposed.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.closeSessionLocked()
	s.rootCancel()
	s.wantFeed = ""
	updates := s.transitionLocked(model.StatusDisconnected, msgDisposed)
	s.mu.Unlock()

	s.syncFeed()
	s.wg.Wait()
	s.notify(updates)
	slog.Info("chain store disposed")
}

// --- Fetch path ---

// load runs one fetch outside the lock and applies it if it is still
// current. ctx is the caller's context; sessionCtx is cancelled when the
// session ends.
func (s *Store) load(ctx, sessionCtx context.Context, gen, seq uint64, symbol, trigger string) error {
	fetchCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	snap, err := s.fetcher.FetchChain(fetchCtx, symbol)
	metrics.ChainFetchLatency.WithLabelValues(trigger).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if s.disposed || gen != s.gen || seq <= s.appliedSeq {
		s.mu.Unlock()
		metrics.ChainFetches.WithLabelValues(trigger, "stale").Inc()
		slog.Debug("chain fetch discarded", "symbol", symbol, "trigger", trigger, "gen", gen, "seq", seq)
		return fmt.Errorf("%w: %s", ErrSuperseded, symbol)
	}
	s.appliedSeq = seq

	if err != nil {
		updates := s.transitionLocked(model.StatusError, fmt.Sprintf(msgFailed, err))
		s.mu.Unlock()
		metrics.ChainFetches.WithLabelValues(trigger, "error").Inc()
		slog.Warn("chain fetch failed", "symbol", symbol, "trigger", trigger, "err", err)
		s.notify(updates)
		return fmt.Errorf("chain: fetch %s: %w", symbol, err)
	}

	snap = snap.Clone()
	if snap.Chain == nil {
		snap.Chain = model.Chain{}
	}
	snap.Symbol = symbol
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = s.now()
	}
	if n := snap.Chain.Normalize(symbol, snap.UnderlyingPrice); n > 0 {
		slog.Debug("chain normalized", "symbol", symbol, "synthesized", n)
	}
	s.snapshot = snap
	s.wantFeed = symbol

	msg := msgLoaded
	if trigger == "poll" {
		msg = fmt.Sprintf(msgRefreshed, s.now().Format("15:04:05"))
	}
	updates := s.transitionLocked(model.StatusConnected, msg)
	if trigger != "poll" {
		s.armPollLocked(sessionCtx, gen)
	}
	s.mu.Unlock()

	metrics.ChainFetches.WithLabelValues(trigger, "ok").Inc()
	slog.Info("chain loaded",
		"symbol", symbol,
		"trigger", trigger,
		"expirations", len(snap.Expirations),
		"underlying", snap.UnderlyingPrice,
	)
	s.syncFeed()
	s.notify(append(updates, Update{Kind: UpdateChain, Symbol: symbol}))
	return nil
}

// armPollLocked (re)starts the poll ticker for the session.
func (s *Store) armPollLocked(sessionCtx context.Context, gen uint64) {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	if s.pollInterval <= 0 {
		s.pollCancel = nil
		return
	}
	var pollCtx context.Context
	pollCtx, s.pollCancel = context.WithCancel(sessionCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				s.poll(pollCtx, gen)
			}
		}
	}()
}

// poll refreshes the chain on a tick. A failure leaves the chain stale and
// the ticker running.
func (s *Store) poll(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.disposed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	symbol := s.symbol
	seq := s.nextSeqLocked()
	updates := s.transitionLocked(model.StatusConnecting, msgRefreshing)
	s.mu.Unlock()

	s.notify(updates)
	slog.Debug("polling chain", "symbol", symbol)
	s.load(ctx, ctx, gen, seq, symbol, "poll")
}

// --- Session helpers (callers hold s.mu) ---

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) closeSessionLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.session != nil {
		s.session()
		s.session = nil
		s.sessionCtx = nil
	}
}

// --- Feed ---

// syncFeed reconciles the feed subscription with the loaded session. It
// runs outside s.mu; feedMu orders concurrent reconciliations so a late
// subscribe for a superseded symbol cannot outlive its unsubscribe.
func (s *Store) syncFeed() {
	if s.feed == nil {
		return
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.mu.RLock()
	want := s.wantFeed
	s.mu.RUnlock()

	if want == s.feedActive {
		return
	}
	if s.feedActive != "" {
		if err := s.feed.Unsubscribe(s.feedActive); err != nil {
			slog.Warn("feed unsubscribe failed", "symbol", s.feedActive, "err", err)
		}
		s.feedActive = ""
	}
	if want != "" {
		if err := s.feed.Subscribe(want); err != nil {
			slog.Warn("feed subscribe failed", "symbol", want, "err", err)
			return
		}
		s.feedActive = want
	}
}

// FeedConnected maps a feed connect to connected, if a chain is loaded.
func (s *Store) FeedConnected(message string) {
	if message == "" {
		message = msgFeedLive
	}
	s.mu.Lock()
	if s.disposed || s.snapshot == nil {
		s.mu.Unlock()
		return
	}
	updates := s.transitionLocked(model.StatusConnected, message)
	s.mu.Unlock()
	s.notify(updates)
}

// FeedDisconnected maps a feed disconnect to disconnected.
func (s *Store) FeedDisconnected() {
	s.mu.Lock()
	if s.disposed || s.symbol == "" {
		s.mu.Unlock()
		return
	}
	updates := s.transitionLocked(model.StatusDisconnected, msgFeedLost)
	s.mu.Unlock()
	s.notify(updates)
}

// FeedError maps a feed error to the error state. The chain is kept.
func (s *Store) FeedError(err error) {
	s.mu.Lock()
	if s.disposed || s.symbol == "" {
		s.mu.Unlock()
		return
	}
	updates := s.transitionLocked(model.StatusError, err.Error())
	s.mu.Unlock()
	s.notify(updates)
}
