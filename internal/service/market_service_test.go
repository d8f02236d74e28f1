package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kline-feed/internal/dto"
	"kline-feed/internal/repository"
	"kline-feed/pkg/cache"
	"kline-feed/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink() *PriceSink {
	return NewPriceSink(cache.NewCache(time.Hour, time.Hour), time.Hour, logger.NewNop())
}

func TestPriceSink_RecordsNewestClose(t *testing.T) {
	sink := newTestSink()
	handler := sink.Handler("btcusdt", "60m")

	err := handler.HandleKlines(context.Background(), []dto.KlineData{kline(1100, "29200.50"), kline(1200, "29400.00")})
	require.NoError(t, err)

	price, ok := sink.Get("BTCUSDT", "60m")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", price.Symbol)
	assert.Equal(t, "29400", price.Price.String())
	assert.Equal(t, int64(1200), price.CloseTime)

	_, ok = sink.Get("BTCUSDT", "1m")
	assert.False(t, ok)
}

func TestPriceSink_IgnoresEmptyBatch(t *testing.T) {
	sink := newTestSink()
	sink.Record("ETHUSDT", "1m", nil)
	_, ok := sink.Get("ETHUSDT", "1m")
	assert.False(t, ok)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedSink() (*PriceSink, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	sink := newTestSink()
	sink.now = clock.Now
	return sink, clock
}

// sequenceFetch answers call n with the n-th close price, repeating the last.
func sequenceFetch(closes ...string) func(int) ([]dto.KlineData, error) {
	return func(call int) ([]dto.KlineData, error) {
		i := call - 1
		if i >= len(closes) {
			i = len(closes) - 1
		}
		return []dto.KlineData{kline(1200, closes[i])}, nil
	}
}

func TestMarketService_GetLatestPrice(t *testing.T) {
	const maxAge = time.Minute

	t.Run("fresh cache entry", func(t *testing.T) {
		repo := &fakeMarketDataRepo{fetch: staticFetch(kline(1, "1"))}
		sink, clock := newClockedSink()
		sink.Record("BTCUSDT", "60m", []dto.KlineData{kline(1200, "30000")})
		clock.Advance(maxAge - time.Second)
		svc := NewMarketService(logger.NewNop(), repo, sink, maxAge)

		price, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "30000", price.Price.String())
		assert.Zero(t, repo.callCount())
	})

	t.Run("cached miss is refreshed after one poll interval", func(t *testing.T) {
		repo := &fakeMarketDataRepo{fetch: sequenceFetch("100", "150")}
		sink, clock := newClockedSink()
		svc := NewMarketService(logger.NewNop(), repo, sink, maxAge)

		first, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "100", first.Price.String())
		require.Len(t, repo.params, 1)
		assert.Equal(t, 1, repo.params[0].Limit)

		again, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "100", again.Price.String())
		assert.Equal(t, 1, repo.callCount())

		clock.Advance(maxAge)
		second, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "150", second.Price.String())
		assert.Equal(t, 2, repo.callCount())
	})

	t.Run("poller entry for a still open candle goes stale", func(t *testing.T) {
		upstream := &fakeMarketDataRepo{fetch: sequenceFetch("100", "150")}
		sink, clock := newClockedSink()
		cfg := testPollerConfig()
		cfg.PollInterval = maxAge
		p := NewPoller(cfg, upstream, sink.Handler("BTCUSDT", "60m"), logger.NewNop(), nil)

		// The second poll sees the same close_time and delivers nothing.
		p.iterate(context.Background())
		clock.Advance(maxAge)
		p.iterate(context.Background())

		svc := NewMarketService(logger.NewNop(), upstream, sink, maxAge)
		price, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "150", price.Price.String())
		assert.Equal(t, 3, upstream.callCount())
	})

	t.Run("non-positive max age always fetches", func(t *testing.T) {
		repo := &fakeMarketDataRepo{fetch: sequenceFetch("100", "150")}
		sink, _ := newClockedSink()
		svc := NewMarketService(logger.NewNop(), repo, sink, 0)

		_, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		price, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "150", price.Price.String())
	})

	t.Run("empty series", func(t *testing.T) {
		repo := &fakeMarketDataRepo{fetch: staticFetch()}
		svc := NewMarketService(logger.NewNop(), repo, newTestSink(), maxAge)

		_, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		assert.ErrorIs(t, err, repository.ErrEmptyKlines)
	})

	t.Run("upstream error", func(t *testing.T) {
		upstream := errors.New("upstream down")
		repo := &fakeMarketDataRepo{fetch: func(int) ([]dto.KlineData, error) { return nil, upstream }}
		svc := NewMarketService(logger.NewNop(), repo, newTestSink(), maxAge)

		_, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		assert.ErrorIs(t, err, upstream)
	})
}

func TestMarketService_CallerDisconnectDoesNotFailSharedLookup(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fetchCtxErr := make(chan error, 1)
	repo := &fakeMarketDataRepo{fetchCtx: func(ctx context.Context, call int) ([]dto.KlineData, error) {
		if call == 1 {
			close(entered)
			<-release
			fetchCtxErr <- ctx.Err()
		}
		return []dto.KlineData{kline(1200, "42")}, nil
	}}
	sink := newTestSink()
	svc := NewMarketService(logger.NewNop(), repo, sink, time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetLatestPrice(firstCtx, "BTCUSDT", "60m")
		firstErr <- err
	}()
	<-entered

	type result struct {
		price dto.LatestPrice
		err   error
	}
	second := make(chan result, 1)
	go func() {
		price, err := svc.GetLatestPrice(context.Background(), "BTCUSDT", "60m")
		second <- result{price, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.NoError(t, <-fetchCtxErr)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "42", res.price.Price.String())

	cached, ok := sink.Get("BTCUSDT", "60m")
	require.True(t, ok)
	assert.Equal(t, "42", cached.Price.String())
}
