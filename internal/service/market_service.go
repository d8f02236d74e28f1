package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"kline-feed/internal/dto"
	"kline-feed/internal/repository"
	"kline-feed/pkg/logger"
)

// sharedFetchTimeout bounds an upstream price lookup that outlives the
// caller who started it.
const sharedFetchTimeout = 2 * time.Minute

type MarketService interface {
	GetKlines(ctx context.Context, param dto.GetKlinesParam) ([]dto.KlineData, error)
	// GetLatestPrice answers from the price cache when the entry is younger
	// than one poll interval, and fetches the newest candle otherwise.
	GetLatestPrice(ctx context.Context, symbol, interval string) (dto.LatestPrice, error)
}

type marketService struct {
	repo   repository.MarketDataRepository
	sink   *PriceSink
	maxAge time.Duration
	logger *logger.Logger
	group  singleflight.Group
}

// NewMarketService trusts cached prices for maxAge, normally the poll
// interval. A non-positive maxAge disables cached answers.
func NewMarketService(log *logger.Logger, repo repository.MarketDataRepository, sink *PriceSink, maxAge time.Duration) MarketService {
	return &marketService{
		repo:   repo,
		sink:   sink,
		maxAge: maxAge,
		logger: log.Named("market_service"),
	}
}

func (s *marketService) GetKlines(ctx context.Context, param dto.GetKlinesParam) ([]dto.KlineData, error) {
	return s.repo.FetchKlines(ctx, param)
}

func (s *marketService) GetLatestPrice(ctx context.Context, symbol, interval string) (dto.LatestPrice, error) {
	if s.maxAge > 0 {
		if price, ok := s.sink.GetFresh(symbol, interval, s.maxAge); ok {
			return price, nil
		}
	}

	// Concurrent misses for one key share a single upstream request. The
	// request is detached from the first caller so its disconnect does not
	// fail the others.
	ch := s.group.DoChan(PriceCacheKey(symbol, interval), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return s.fetchLatestPrice(fetchCtx, symbol, interval)
	})

	select {
	case <-ctx.Done():
		return dto.LatestPrice{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return dto.LatestPrice{}, res.Err
		}
		if res.Shared {
			s.logger.DebugContext(ctx, "Latest price lookup shared with concurrent caller",
				logger.StringField("symbol", symbol))
		}
		return res.Val.(dto.LatestPrice), nil
	}
}

func (s *marketService) fetchLatestPrice(ctx context.Context, symbol, interval string) (dto.LatestPrice, error) {
	klines, err := s.repo.FetchKlines(ctx, dto.GetKlinesParam{
		Symbol:   symbol,
		Interval: interval,
		Limit:    1,
	})
	if err != nil {
		return dto.LatestPrice{}, err
	}
	if len(klines) == 0 {
		return dto.LatestPrice{}, fmt.Errorf("%w for %s %s", repository.ErrEmptyKlines, symbol, interval)
	}
	s.sink.record(symbol, interval, klines, s.maxAge)
	price, _ := s.sink.Get(symbol, interval)
	return price, nil
}
