package signal

import (
	"context"
	"sort"
	"sync"
	"time"

	"log/slog"

	"futures-bot/internal/config"
	"futures-bot/pkg/types"
)

// volumeBatch bounds parallel ticker fetches during the volume ranking pass.
const volumeBatch = 20

// loadRetryDelay spaces retries when the initial universe load fails.
const loadRetryDelay = 10 * time.Second

// universeSource is the slice of the request manager the universe needs.
type universeSource interface {
	Symbols(ctx context.Context, priority types.Priority) ([]types.ContractInfo, error)
	Ticker(ctx context.Context, symbol string, priority types.Priority) (*types.Ticker, error)
}

// RankedSymbol pairs a tradeable symbol with its 24h quote volume.
type RankedSymbol struct {
	Symbol      string  `json:"symbol"`
	QuoteVolume float64 `json:"quoteVolume"`
}

// UniverseEventType labels universe lifecycle events.
type UniverseEventType string

const (
	UniverseEventLoaded UniverseEventType = "symbols_loaded"
	UniverseEventWave   UniverseEventType = "wave_released"
)

// UniverseEvent reports universe loading progress.
type UniverseEvent struct {
	Type     UniverseEventType
	Total    int
	Released int
	At       time.Time
}

// Universe owns the volume-ranked symbol list the scan loop draws from.
//
// On start it fetches the contract directory, keeps live contracts settling
// in the configured quote asset, ranks them by 24h quote volume (fetched in
// bounded parallel batches) and caps the list at UniverseSize. Symbols below
// the volume floor are dropped unless that leaves fewer than one wave, in
// which case the floor is relaxed to the top wave by raw volume.
//
// The ranked list is then released progressively: the first wave immediately,
// later waves on the wave timer or via ForceNextWave. Scanning only ever sees
// the released prefix, so a fresh start ramps up instead of hammering the
// venue with hundreds of cold symbols at once.
type Universe struct {
	source universeSource
	cfg    config.SignalConfig
	quote  string
	logger *slog.Logger

	mu       sync.RWMutex
	ranked   []RankedSymbol
	released int
	loadedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	force     chan struct{}
	events    chan UniverseEvent

	retryDelay time.Duration
}

// NewUniverse builds an unloaded universe. quote is the settlement asset
// filter ("USDT" live, "VST" demo).
func NewUniverse(source universeSource, cfg config.SignalConfig, quote string, logger *slog.Logger) *Universe {
	return &Universe{
		source:     source,
		cfg:        cfg,
		quote:      quote,
		logger:     logger.With("component", "universe"),
		ready:      make(chan struct{}),
		force:      make(chan struct{}, 1),
		events:     make(chan UniverseEvent, 8),
		retryDelay: loadRetryDelay,
	}
}

// Ready is closed once the first wave has been released.
func (u *Universe) Ready() <-chan struct{} { return u.ready }

// Events exposes load/wave notifications. Dropped when the consumer lags.
func (u *Universe) Events() <-chan UniverseEvent { return u.events }

// ForceNextWave releases the next wave ahead of schedule.
func (u *Universe) ForceNextWave() {
	select {
	case u.force <- struct{}{}:
	default:
	}
}

// Run loads the universe and then releases waves until ctx ends. The initial
// load retries until it succeeds; waves follow the configured interval or an
// explicit ForceNextWave.
func (u *Universe) Run(ctx context.Context) error {
	for {
		if err := u.load(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.logger.Error("universe load failed, retrying", "error", err, "retry_in", u.retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelay):
			}
			continue
		}
		break
	}

	u.releaseWave()

	ticker := time.NewTicker(u.cfg.WaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.releaseWave()
		case <-u.force:
			u.releaseWave()
		}
	}
}

// Active returns the released symbols, strongest volume first.
func (u *Universe) Active() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, u.released)
	for i := 0; i < u.released; i++ {
		out[i] = u.ranked[i].Symbol
	}
	return out
}

// Snapshot returns the full ranked universe and how much of it is released.
func (u *Universe) Snapshot() ([]RankedSymbol, int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]RankedSymbol, len(u.ranked))
	copy(out, u.ranked)
	return out, u.released
}

// Size reports (released, total).
func (u *Universe) Size() (int, int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.released, len(u.ranked)
}

func (u *Universe) load(ctx context.Context) error {
	contracts, err := u.source.Symbols(ctx, types.PriorityLow)
	if err != nil {
		return err
	}

	tradeable := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.Tradeable(u.quote) {
			tradeable = append(tradeable, c.Symbol)
		}
	}
	u.logger.Info("contract directory fetched",
		"total", len(contracts), "tradeable", len(tradeable), "quote", u.quote)

	ranked := u.rankByVolume(ctx, tradeable)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	filtered := make([]RankedSymbol, 0, len(ranked))
	for _, r := range ranked {
		if r.QuoteVolume >= u.cfg.MinVolumeUSDT {
			filtered = append(filtered, r)
		}
	}

	// Thin markets: relax the volume floor rather than trade nothing.
	if len(filtered) < u.cfg.WaveSize {
		n := u.cfg.WaveSize
		if n > len(ranked) {
			n = len(ranked)
		}
		u.logger.Warn("volume floor left too few symbols, relaxing",
			"floor", u.cfg.MinVolumeUSDT, "passed", len(filtered), "taking", n)
		filtered = ranked[:n]
	}
	if len(filtered) > u.cfg.UniverseSize {
		filtered = filtered[:u.cfg.UniverseSize]
	}

	u.mu.Lock()
	u.ranked = filtered
	u.released = 0
	u.loadedAt = time.Now()
	u.mu.Unlock()

	u.logger.Info("universe loaded", "symbols", len(filtered))
	u.emit(UniverseEvent{Type: UniverseEventLoaded, Total: len(filtered), At: time.Now()})
	return nil
}

// rankByVolume fetches 24h tickers in batches of volumeBatch and returns the
// symbols sorted by quote volume, best first. Symbols whose ticker fetch
// fails are skipped; a partially ranked universe beats no universe.
func (u *Universe) rankByVolume(ctx context.Context, symbols []string) []RankedSymbol {
	var (
		mu     sync.Mutex
		ranked = make([]RankedSymbol, 0, len(symbols))
		missed int
	)

	for start := 0; start < len(symbols); start += volumeBatch {
		if ctx.Err() != nil {
			break
		}
		end := start + volumeBatch
		if end > len(symbols) {
			end = len(symbols)
		}

		var wg sync.WaitGroup
		for _, sym := range symbols[start:end] {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				tk, err := u.source.Ticker(ctx, sym, types.PriorityLow)
				if err != nil {
					mu.Lock()
					missed++
					mu.Unlock()
					return
				}
				mu.Lock()
				ranked = append(ranked, RankedSymbol{Symbol: sym, QuoteVolume: tk.QuoteVolume})
				mu.Unlock()
			}(sym)
		}
		wg.Wait()
	}

	if missed > 0 {
		u.logger.Warn("volume ranking incomplete", "missed", missed, "ranked", len(ranked))
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].QuoteVolume > ranked[j].QuoteVolume
	})
	return ranked
}

func (u *Universe) releaseWave() {
	// Unblock waiters even when the universe came back empty.
	defer u.readyOnce.Do(func() { close(u.ready) })

	u.mu.Lock()
	total := len(u.ranked)
	if u.released >= total {
		u.mu.Unlock()
		return
	}
	u.released += u.cfg.WaveSize
	if u.released > total {
		u.released = total
	}
	released := u.released
	u.mu.Unlock()

	u.logger.Info("symbol wave released", "released", released, "total", total)
	u.emit(UniverseEvent{Type: UniverseEventWave, Total: total, Released: released, At: time.Now()})
}

func (u *Universe) emit(ev UniverseEvent) {
	select {
	case u.events <- ev:
	default:
	}
}
