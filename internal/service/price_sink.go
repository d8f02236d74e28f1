package service

import (
	"fmt"
	"strings"
	"time"

	"kline-feed/internal/dto"
	"kline-feed/pkg/cache"
	"kline-feed/pkg/common"
	"kline-feed/pkg/logger"
)

// PriceSink keeps the latest close per subscription in the in-memory cache
// so the API can answer price lookups without calling upstream.
type PriceSink struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *logger.Logger
	now    func() time.Time
}

type priceEntry struct {
	price      dto.LatestPrice
	recordedAt time.Time
}

func NewPriceSink(inmemoryCache cache.Cache, ttl time.Duration, log *logger.Logger) *PriceSink {
	return &PriceSink{
		cache:  inmemoryCache,
		ttl:    ttl,
		logger: log.Named("price_sink"),
		now:    time.Now,
	}
}

func PriceCacheKey(symbol, interval string) string {
	return fmt.Sprintf(common.KEY_LAST_PRICE, strings.ToUpper(symbol), interval)
}

// Handler returns the poller callback for one subscription.
func (s *PriceSink) Handler(symbol, interval string) KlineHandler {
	return ImmediateHandler(func(klines []dto.KlineData) error {
		s.Record(symbol, interval, klines)
		return nil
	})
}

// Record stores the close of the newest candle in klines.
func (s *PriceSink) Record(symbol, interval string, klines []dto.KlineData) {
	s.record(symbol, interval, klines, s.ttl)
}

func (s *PriceSink) record(symbol, interval string, klines []dto.KlineData, ttl time.Duration) {
	if len(klines) == 0 {
		return
	}
	latest := klines[0]
	for _, k := range klines[1:] {
		if k.CloseTime > latest.CloseTime {
			latest = k
		}
	}

	price := dto.LatestPrice{
		Symbol:    strings.ToUpper(symbol),
		Interval:  interval,
		Price:     latest.Close,
		CloseTime: latest.CloseTime,
	}
	s.cache.Set(PriceCacheKey(symbol, interval), priceEntry{price: price, recordedAt: s.now()}, ttl)
	s.logger.Debug("Latest price updated",
		logger.StringField("symbol", price.Symbol),
		logger.StringField("interval", interval),
		logger.StringField("price", price.Price.String()),
		logger.Int64Field("close_time", price.CloseTime))
}

func (s *PriceSink) Get(symbol, interval string) (dto.LatestPrice, bool) {
	entry, ok := cache.GetFromCache[priceEntry](s.cache, PriceCacheKey(symbol, interval))
	return entry.price, ok
}

// GetFresh is Get restricted to entries recorded less than maxAge ago.
func (s *PriceSink) GetFresh(symbol, interval string, maxAge time.Duration) (dto.LatestPrice, bool) {
	entry, ok := cache.GetFromCache[priceEntry](s.cache, PriceCacheKey(symbol, interval))
	if !ok || s.now().Sub(entry.recordedAt) >= maxAge {
		return dto.LatestPrice{}, false
	}
	return entry.price, true
}
