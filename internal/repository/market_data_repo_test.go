package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"kline-feed/config"
	"kline-feed/internal/dto"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoKlines = `[
	[1609459200000,"29000.00","29500.00","28800.00","29200.00","150.5",1609462799999,"4380000.00",1250,"75.25","2190000.00","0"],
	[1609462800000,"29200.00","29600.00","29100.00","29400.00","200.0",1609466399999,"5880000.00",1500,"100.0","2940000.00","0"]
]`

func testMexcConfig(baseURL string) config.Mexc {
	return config.Mexc{
		BaseURL:         baseURL,
		Timeout:         2 * time.Second,
		MaxRetries:      3,
		RetryDelay:      5 * time.Second,
		WeightCapacity:  1200,
		WeightThreshold: 10,
		WeightHeader:    "X-MBX-USED-WEIGHT-1M",
		WeightWindow:    time.Minute,
	}
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRepo(t *testing.T, baseURL string, mutate func(*config.Mexc)) (*marketDataRepository, *sleepRecorder) {
	t.Helper()
	cfg := testMexcConfig(baseURL)
	if mutate != nil {
		mutate(&cfg)
	}
	repo := NewMarketDataRepository(cfg, nil, logger.NewNop(), nil).(*marketDataRepository)
	rec := &sleepRecorder{}
	repo.sleep = rec.sleep
	t.Cleanup(repo.Close)
	return repo, rec
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func btcParam(limit int) dto.GetKlinesParam {
	return dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "60m", Limit: limit}
}

func TestFetchKlines_Success(t *testing.T) {
	srv, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "60m", q.Get("interval"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "1609459200000", q.Get("startTime"))
		assert.Equal(t, "1609466399999", q.Get("endTime"))
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	param := btcParam(2)
	param.StartTime = utils.ToPointer(int64(1609459200000))
	param.EndTime = utils.ToPointer(int64(1609466399999))

	klines, err := repo.FetchKlines(context.Background(), param)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, "29200.00", dto.FormatDecimal(klines[0].Close))
	assert.Equal(t, "29400.00", dto.FormatDecimal(klines[1].Close))
	assert.Less(t, klines[0].OpenTime, klines[1].OpenTime)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.delays)
}

func TestFetchKlines_OrderedWithoutDuplicates(t *testing.T) {
	body := `[
		[180,"4","4","4","4","1",239,"1"],
		[0,"1","1","1","1","1",59,"1"],
		[120,"3","3","3","3","1",179,"1"],
		[60,"2","2","2","2","1",119,"1"],
		[120,"3.5","3.5","3.5","3.5","1",179,"1"]
	]`
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, body)
	})
	repo, _ := newTestRepo(t, srv.URL, nil)

	klines, err := repo.FetchKlines(context.Background(), btcParam(5))
	require.NoError(t, err)
	require.Len(t, klines, 4)
	for i := 1; i < len(klines); i++ {
		assert.Greater(t, klines[i].OpenTime, klines[i-1].OpenTime)
	}
}

func TestFetchKlines_Idempotent(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, _ := newTestRepo(t, srv.URL, nil)

	first, err := repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	second, err := repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFetchKlines_ValidationFailsFast(t *testing.T) {
	srv, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, _ := newTestRepo(t, srv.URL, nil)

	tests := []struct {
		name  string
		param dto.GetKlinesParam
		field string
	}{
		{name: "empty symbol", param: dto.GetKlinesParam{Interval: "1m", Limit: 1}, field: "symbol"},
		{name: "blank symbol", param: dto.GetKlinesParam{Symbol: "  ", Interval: "1m", Limit: 1}, field: "symbol"},
		{name: "unknown interval", param: dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "1h", Limit: 1}, field: "interval"},
		{name: "limit zero", param: dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "1m", Limit: 0}, field: "limit"},
		{name: "limit too large", param: dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "1m", Limit: 1001}, field: "limit"},
		{name: "negative start", param: dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "1m", Limit: 1, StartTime: utils.ToPointer(int64(-1))}, field: "startTime"},
		{
			name:  "start after end",
			param: dto.GetKlinesParam{Symbol: "BTCUSDT", Interval: "1m", Limit: 1, StartTime: utils.ToPointer(int64(2000)), EndTime: utils.ToPointer(int64(1000))},
			field: "endTime",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.FetchKlines(context.Background(), tt.param)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Equal(t, int32(0), hits.Load(), "no request may be sent for invalid parameters")
}

func TestFetchKlines_RetryBackoffGrowth(t *testing.T) {
	var hits *atomic.Int32
	var srv *httptest.Server
	srv, hits = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Load() <= 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"code":503,"msg":"busy"}`)
			return
		}
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	klines, err := repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	assert.Len(t, klines, 2)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, rec.delays)
}

func TestFetchKlines_RetriesExhausted(t *testing.T) {
	srv, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, "bad gateway")
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, 3, apiErr.Retries)
	assert.Equal(t, int32(4), hits.Load())
	assert.Len(t, rec.delays, 3)
}

func TestFetchKlines_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	repo, rec := newTestRepo(t, url, func(c *config.Mexc) { c.MaxRetries = 2 })

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 2, netErr.Retries)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, rec.delays)
}

func TestFetchKlines_NonRetryableAPIError(t *testing.T) {
	srv, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"code":-1100,"msg":"Illegal parameter"}`)
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1100, apiErr.Code)
	assert.Equal(t, "Illegal parameter", apiErr.Message)
	assert.Equal(t, 0, apiErr.Retries)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.delays, "no backoff for non-retryable errors")
}

func TestFetchKlines_RetryableVendorCode(t *testing.T) {
	var hits *atomic.Int32
	var srv *httptest.Server
	srv, hits = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Load() == 1 {
			writeJSON(w, http.StatusBadRequest, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return
		}
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.delays)
}

func TestFetchKlines_ErrorObjectWithOK(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":-1121,"msg":"Invalid symbol."}`)
	})
	repo, _ := newTestRepo(t, srv.URL, nil)

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1121, apiErr.Code)
}

func TestFetchKlines_RateLimitRejection(t *testing.T) {
	srv, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		writeJSON(w, http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`)
	})
	repo, rec := newTestRepo(t, srv.URL, nil)

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	var limitErr *RateLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Retries)
	assert.Equal(t, "Too many requests", limitErr.Message)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{12 * time.Second, 12 * time.Second, 20 * time.Second}, rec.delays)
}

func TestFetchKlines_ProactiveRateLimitDelay(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "1199")
		writeJSON(w, http.StatusOK, twoKlines)
	})
	repo, rec := newTestRepo(t, srv.URL, func(c *config.Mexc) { c.WeightThreshold = 2 })
	fixed := time.Date(2024, 1, 1, 12, 0, 15, 0, time.UTC)
	repo.weights.SetClock(func() time.Time { return fixed })

	_, err := repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	assert.Empty(t, rec.delays, "first request has no usage information yet")
	assert.Equal(t, 1, repo.weights.Remaining())

	_, err = repo.FetchKlines(context.Background(), btcParam(2))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{45 * time.Second}, rec.delays)
}

func TestFetchKlines_ContextCancelled(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `busy`)
	})
	repo, _ := newTestRepo(t, srv.URL, nil)
	repo.sleep = utils.SleepContext

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := repo.FetchKlines(ctx, btcParam(2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLatestPrice(t *testing.T) {
	t.Run("returns close of newest candle", func(t *testing.T) {
		srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, twoKlines)
		})
		repo, _ := newTestRepo(t, srv.URL, nil)

		price, err := repo.LatestPrice(context.Background(), "BTCUSDT", "60m")
		require.NoError(t, err)
		assert.Equal(t, "29400.00", dto.FormatDecimal(price))
	})

	t.Run("empty series", func(t *testing.T) {
		srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `[]`)
		})
		repo, _ := newTestRepo(t, srv.URL, nil)

		_, err := repo.LatestPrice(context.Background(), "BTCUSDT", "60m")
		assert.ErrorIs(t, err, ErrEmptyKlines)
	})

	t.Run("validation", func(t *testing.T) {
		repo, _ := newTestRepo(t, "http://127.0.0.1:1", nil)
		_, err := repo.LatestPrice(context.Background(), "BTCUSDT", "2h")
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	})
}

func TestWithMarketData(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, twoKlines)
	})

	var got int
	err := WithMarketData(testMexcConfig(srv.URL), logger.NewNop(), nil, func(repo MarketDataRepository) error {
		klines, err := repo.FetchKlines(context.Background(), btcParam(2))
		got = len(klines)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	sentinel := errors.New("stop")
	err = WithMarketData(testMexcConfig(srv.URL), logger.NewNop(), nil, func(MarketDataRepository) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
