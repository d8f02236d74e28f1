package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"kline-feed/config"
	"kline-feed/internal/dto"
	"kline-feed/pkg/common"
	"kline-feed/pkg/httpclient"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"
	"kline-feed/pkg/ratelimit"
	"kline-feed/pkg/retry"
	"kline-feed/pkg/utils"

	goValidator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// MarketDataRepository fetches validated, ordered candles from the public
// klines endpoint. Implementations are safe for concurrent use; callers
// sharing one instance also share its rate-limit bookkeeping.
type MarketDataRepository interface {
	FetchKlines(ctx context.Context, param dto.GetKlinesParam) ([]dto.KlineData, error)
	LatestPrice(ctx context.Context, symbol string, interval string) (decimal.Decimal, error)
	// Close releases pooled connections held by the underlying transport.
	Close()
}

type marketDataRepository struct {
	httpClient     httpclient.HTTPClient
	cfg            config.Mexc
	logger         *logger.Logger
	metrics        *metrics.Metrics
	validator      *goValidator.Validate
	policy         retry.Policy
	weights        *ratelimit.WeightTracker
	requestLimiter *rate.Limiter
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewMarketDataRepository builds a client over httpClient. A nil httpClient
// gets a dedicated resty transport; pass a shared one to pool connections
// across several repositories.
func NewMarketDataRepository(cfg config.Mexc, httpClient httpclient.HTTPClient, log *logger.Logger, m *metrics.Metrics) MarketDataRepository {
	if httpClient == nil {
		httpClient = httpclient.New(cfg.BaseURL, cfg.Timeout, cfg.UserAgent)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if cfg.WeightHeader == "" {
		cfg.WeightHeader = common.HEADER_USED_WEIGHT
	}
	if cfg.WeightCapacity <= 0 {
		cfg.WeightCapacity = common.DEFAULT_WEIGHT_CAPACITY
	}

	var requestLimiter *rate.Limiter
	if cfg.MaxRequestPerMinute > 0 {
		secondsPerRequest := time.Minute / time.Duration(cfg.MaxRequestPerMinute)
		requestLimiter = rate.NewLimiter(rate.Every(secondsPerRequest), 1)
	}

	return &marketDataRepository{
		httpClient:     httpClient,
		cfg:            cfg,
		logger:         log.Named("market_data"),
		metrics:        m,
		validator:      newParamValidator(),
		policy:         retry.NewPolicy(cfg.MaxRetries, cfg.RetryDelay),
		weights:        ratelimit.NewWeightTracker(cfg.WeightCapacity, cfg.WeightThreshold, cfg.WeightWindow),
		requestLimiter: requestLimiter,
		sleep:          utils.SleepContext,
	}
}

// WithMarketData opens a repository, hands it to fn and closes it on every
// exit path.
func WithMarketData(cfg config.Mexc, log *logger.Logger, m *metrics.Metrics, fn func(MarketDataRepository) error) error {
	repo := NewMarketDataRepository(cfg, nil, log, m)
	defer repo.Close()
	return fn(repo)
}

func newParamValidator() *goValidator.Validate {
	v := goValidator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func (r *marketDataRepository) FetchKlines(ctx context.Context, param dto.GetKlinesParam) ([]dto.KlineData, error) {
	if err := r.validateParam(param); err != nil {
		return nil, err
	}

	queryParams := map[string]string{
		"symbol":   param.Symbol,
		"interval": param.Interval,
		"limit":    strconv.Itoa(param.Limit),
	}
	if param.StartTime != nil {
		queryParams["startTime"] = strconv.FormatInt(*param.StartTime, 10)
	}
	if param.EndTime != nil {
		queryParams["endTime"] = strconv.FormatInt(*param.EndTime, 10)
	}

	r.logger.DebugContext(ctx, "Fetching klines",
		logger.StringField("symbol", param.Symbol),
		logger.StringField("interval", param.Interval),
		logger.IntField("limit", param.Limit))

	body, err := r.doWithRetry(ctx, common.ENDPOINT_KLINES, queryParams)
	if err != nil {
		r.metrics.RequestsFailed.Inc()
		r.logger.ErrorContext(ctx, "Failed to fetch klines",
			logger.StringField("symbol", param.Symbol),
			logger.StringField("interval", param.Interval),
			logger.ErrorField(err))
		return nil, err
	}

	klines, err := parseKlines(body)
	if err != nil {
		r.metrics.RequestsFailed.Inc()
		r.logger.ErrorContext(ctx, "Failed to parse klines",
			logger.StringField("symbol", param.Symbol),
			logger.ErrorField(err))
		return nil, err
	}

	klines, dropped := normalizeKlines(klines)
	if dropped > 0 {
		r.logger.WarnContext(ctx, "Dropped duplicate klines from upstream page",
			logger.StringField("symbol", param.Symbol),
			logger.IntField("dropped", dropped))
	}

	r.logger.DebugContext(ctx, "Fetched klines",
		logger.StringField("symbol", param.Symbol),
		logger.IntField("count", len(klines)))

	return klines, nil
}

func (r *marketDataRepository) LatestPrice(ctx context.Context, symbol string, interval string) (decimal.Decimal, error) {
	klines, err := r.FetchKlines(ctx, dto.GetKlinesParam{
		Symbol:   symbol,
		Interval: interval,
		Limit:    1,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(klines) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s %s", ErrEmptyKlines, symbol, interval)
	}
	return klines[len(klines)-1].Close, nil
}

func (r *marketDataRepository) Close() {
	r.httpClient.Close()
}

func (r *marketDataRepository) validateParam(param dto.GetKlinesParam) error {
	if err := r.validator.Struct(param); err != nil {
		var fieldErrs goValidator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: describeFieldError(fe), Err: err}
		}
		return &ValidationError{Reason: err.Error(), Err: err}
	}
	if strings.TrimSpace(param.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if param.StartTime != nil && param.EndTime != nil && *param.StartTime > *param.EndTime {
		return &ValidationError{Field: "endTime", Reason: "must not be before startTime"}
	}
	return nil
}

func describeFieldError(fe goValidator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	default:
		return fe.Error()
	}
}

// doWithRetry runs the request under the retry policy. Each attempt first
// honours the proactive weight delay and the request pacer.
func (r *marketDataRepository) doWithRetry(ctx context.Context, endpoint string, queryParams map[string]string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		if err := r.throttle(ctx); err != nil {
			return nil, err
		}

		body, err := r.doRequest(ctx, endpoint, queryParams)
		if err == nil {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if !r.policy.ShouldRetry(attempt, err) {
			return nil, withRetries(err, attempt-1)
		}

		delay := r.policy.Backoff(attempt)
		var limitErr *RateLimitError
		if errors.As(err, &limitErr) && limitErr.RetryAfter > delay {
			delay = limitErr.RetryAfter
		}

		r.logger.WarnContext(ctx, "Retrying klines request",
			logger.IntField("attempt", attempt),
			logger.IntField("max_retries", r.policy.MaxRetries),
			logger.DurationField("backoff", delay),
			logger.ErrorField(err))
		r.metrics.RequestRetries.Inc()

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *marketDataRepository) throttle(ctx context.Context) error {
	delay, err := r.weights.Wait(ctx, r.sleep)
	if delay > 0 {
		r.metrics.RateLimitDelays.Inc()
		r.logger.InfoContext(ctx, "Delayed request to stay under upstream weight limit",
			logger.DurationField("delay", delay),
			logger.IntField("remaining_weight", r.weights.Remaining()))
	}
	if err != nil {
		return err
	}

	if r.requestLimiter != nil {
		if err := r.requestLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *marketDataRepository) doRequest(ctx context.Context, endpoint string, queryParams map[string]string) ([]byte, error) {
	r.metrics.RequestsSent.Inc()

	resp, err := r.httpClient.Get(ctx, endpoint, queryParams)
	if resp != nil && r.weights.Observe(resp.Headers.Get(r.cfg.WeightHeader)) {
		r.metrics.UsedWeight.Set(float64(r.weights.UsedWeight()))
	}
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		r.metrics.RateLimitRejected.Inc()
		limitErr := &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Headers.Get(common.HEADER_RETRY_AFTER)),
		}
		if apiErr := decodeAPIError(resp.StatusCode, resp.Body); apiErr != nil {
			limitErr.Message = apiErr.Message
		}
		return nil, limitErr
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if apiErr := decodeAPIError(resp.StatusCode, resp.Body); apiErr != nil {
			return nil, apiErr
		}
		return nil, &ApiError{
			StatusCode: resp.StatusCode,
			Code:       resp.StatusCode,
			Message:    fallbackMessage(resp.StatusCode, resp.Body),
		}
	}

	// some gateways answer 200 with an error object instead of the array
	if trimmed := bytes.TrimSpace(resp.Body); len(trimmed) > 0 && trimmed[0] == '{' {
		if apiErr := decodeAPIError(resp.StatusCode, trimmed); apiErr != nil {
			return nil, apiErr
		}
	}
	return resp.Body, nil
}

type apiErrorPayload struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
}

// decodeAPIError returns nil unless body is a {code, msg} object.
func decodeAPIError(statusCode int, body []byte) *ApiError {
	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == nil {
		return nil
	}
	return &ApiError{
		StatusCode: statusCode,
		Code:       *payload.Code,
		Message:    payload.Msg,
	}
}

func fallbackMessage(statusCode int, body []byte) string {
	const maxBody = 256
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(statusCode)
	}
	if len(msg) > maxBody {
		msg = msg[:maxBody]
	}
	return msg
}

func parseRetryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
