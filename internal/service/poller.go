package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"kline-feed/config"
	"kline-feed/internal/dto"
	"kline-feed/internal/repository"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"
)

type PollerState int32

const (
	PollerIdle PollerState = iota
	PollerRunning
	PollerStopping
	PollerStopped
)

func (s PollerState) String() string {
	switch s {
	case PollerIdle:
		return "idle"
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	case PollerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("PollerState(%d)", int32(s))
	}
}

// InvalidStateError is returned when a lifecycle call does not fit the
// poller's current state.
type InvalidStateError struct {
	Op    string
	State PollerState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("poller: cannot %s while %s", e.Op, e.State)
}

const noWatermark int64 = math.MinInt64

// DefaultPollInterval replaces a non-positive PollInterval.
const DefaultPollInterval = 60 * time.Second

type PollerConfig struct {
	Symbol       string
	Interval     string
	PollInterval time.Duration
	KlineLimit   int
	// ImmediateFirstPoll runs one iteration right after Start instead of
	// waiting a full PollInterval first.
	ImmediateFirstPoll bool
}

func NewPollerConfig(cfg config.Poller, symbol string) PollerConfig {
	return PollerConfig{
		Symbol:             symbol,
		Interval:           cfg.Interval,
		PollInterval:       cfg.PollInterval,
		KlineLimit:         cfg.KlineLimit,
		ImmediateFirstPoll: cfg.ImmediateFirstPoll,
	}
}

// Poller turns periodic FetchKlines calls for one symbol+interval into an
// ordered, deduplicated stream of handler calls.
//
// Stop is observed only while waiting between iterations. An in-flight fetch
// or handler call is never aborted, so shutdown can take up to one full
// iteration (retries and backoff included).
type Poller struct {
	cfg     PollerConfig
	repo    repository.MarketDataRepository
	handler KlineHandler
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         PollerState
	lastCloseTime int64
	stopCh        chan struct{}
	done          chan struct{}
}

func NewPoller(cfg PollerConfig, repo repository.MarketDataRepository, handler KlineHandler, log *logger.Logger, m *metrics.Metrics) *Poller {
	if handler == nil {
		handler = discardHandler()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Poller{
		cfg:     cfg,
		repo:    repo,
		handler: handler,
		logger: log.Named("poller").With(
			logger.StringField("symbol", cfg.Symbol),
			logger.StringField("interval", cfg.Interval)),
		metrics:       m,
		state:         PollerIdle,
		lastCloseTime: noWatermark,
		done:          make(chan struct{}),
	}
}

func (p *Poller) Symbol() string { return p.cfg.Symbol }

func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Watermark returns the close_time of the newest delivered candle. ok is
// false until the first successful delivery.
func (p *Poller) Watermark() (closeTime int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCloseTime, p.lastCloseTime != noWatermark
}

// Done is closed once the polling loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Start launches the polling loop. Cancelling ctx has the same effect as
// Stop, observed at the same point.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PollerIdle {
		state := p.state
		p.mu.Unlock()
		return &InvalidStateError{Op: "start", State: state}
	}
	p.state = PollerRunning
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Starting kline poller",
		logger.DurationField("poll_interval", p.cfg.PollInterval),
		logger.IntField("kline_limit", p.cfg.KlineLimit))

	go p.run(ctx)
	return nil
}

// Stop requests the loop to finish and waits for the current iteration to
// complete, or for ctx to expire. Stopped is terminal.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case PollerIdle:
		p.state = PollerStopped
		close(p.done)
		p.mu.Unlock()
		return nil
	case PollerStopped:
		p.mu.Unlock()
		return nil
	case PollerRunning:
		p.state = PollerStopping
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Stopping kline poller")
	select {
	case <-p.done:
		p.logger.InfoContext(ctx, "Kline poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Kline poller terminated by internal fault", logger.Field("panic", r))
		}
		p.mu.Lock()
		p.state = PollerStopped
		p.mu.Unlock()
		close(p.done)
	}()

	if p.cfg.ImmediateFirstPoll {
		p.iterate(ctx)
	}
	for p.wait(ctx) {
		p.iterate(ctx)
	}
	p.logger.Info("Polling loop ended")
}

// wait blocks for one poll interval. It reports false when the loop should
// end instead of polling.
func (p *Poller) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// iterate runs one cycle to completion. Failures are logged and the loop
// carries on; upstream outages degrade to "no new data this cycle".
func (p *Poller) iterate(ctx context.Context) {
	iterCtx := context.WithoutCancel(ctx)
	start := time.Now()

	n, err := p.pollOnce(iterCtx)
	p.metrics.PollCycles.Inc()
	if err != nil {
		p.metrics.PollFailures.Inc()
		var handlerErr *handlerError
		if errors.As(err, &handlerErr) {
			p.logger.ErrorContext(iterCtx, "Kline handler failed, candles will be redelivered",
				logger.ErrorField(err))
			return
		}
		p.logger.WarnContext(iterCtx, "Poll cycle failed", logger.ErrorField(err))
		return
	}

	if n == 0 {
		p.logger.DebugContext(iterCtx, "No new kline data available")
		return
	}
	watermark, _ := p.Watermark()
	p.logger.InfoContext(iterCtx, "Dispatched new klines",
		logger.IntField("count", n),
		logger.Int64Field("watermark", watermark),
		logger.DurationField("duration", time.Since(start)))
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return "handler: " + e.err.Error() }

func (e *handlerError) Unwrap() error { return e.err }

// pollOnce fetches, filters by watermark, dispatches and advances the
// watermark only after the handler succeeded. It returns how many candles
// were delivered.
func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	klines, err := p.repo.FetchKlines(ctx, dto.GetKlinesParam{
		Symbol:   p.cfg.Symbol,
		Interval: p.cfg.Interval,
		Limit:    p.cfg.KlineLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch klines: %w", err)
	}

	watermark, _ := p.Watermark()
	fresh := newerThan(klines, watermark)
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := p.dispatch(ctx, fresh); err != nil {
		p.metrics.HandlerFailures.Inc()
		return 0, &handlerError{err: err}
	}

	p.mu.Lock()
	p.lastCloseTime = fresh[len(fresh)-1].CloseTime
	p.mu.Unlock()

	for range fresh {
		p.metrics.CandlesDispatched.Inc()
	}
	return len(fresh), nil
}

func (p *Poller) dispatch(ctx context.Context, klines []dto.KlineData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.handler.HandleKlines(ctx, klines)
}

// newerThan returns a fresh slice of the candles with close_time strictly
// after watermark, sorted by close_time.
func newerThan(klines []dto.KlineData, watermark int64) []dto.KlineData {
	fresh := make([]dto.KlineData, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime > watermark {
			fresh = append(fresh, k)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CloseTime < fresh[j].CloseTime
	})
	return fresh
}
