package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "kline_feed"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	requestsSent      prometheus.Counter
	requestsFailed    prometheus.Counter
	requestRetries    prometheus.Counter
	rateLimitDelays   prometheus.Counter
	rateLimitRejected prometheus.Counter
	pollCycles        prometheus.Counter
	pollFailures      prometheus.Counter
	candlesDispatched prometheus.Counter
	handlerFailures   prometheus.Counter
	usedWeight        prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	requestsSent := newCounter("requests_sent_total", "Total number of kline requests sent upstream, retries included.")
	requestsFailed := newCounter("requests_failed_total", "Total number of kline fetches that failed after retries.")
	requestRetries := newCounter("request_retries_total", "Total number of retried kline requests.")
	rateLimitDelays := newCounter("rate_limit_delays_total", "Total number of proactive delays inserted because of low remaining weight.")
	rateLimitRejected := newCounter("rate_limit_rejected_total", "Total number of explicit rate limit rejections received.")
	pollCycles := newCounter("poll_cycles_total", "Total number of completed poll iterations.")
	pollFailures := newCounter("poll_failures_total", "Total number of poll iterations that ended in an error.")
	candlesDispatched := newCounter("candles_dispatched_total", "Total number of candles delivered to handlers.")
	handlerFailures := newCounter("handler_failures_total", "Total number of handler invocations that returned an error.")
	usedWeight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "used_weight",
		Help:      "Last request weight reported by the upstream API.",
	})

	registry.MustRegister(
		requestsSent, requestsFailed, requestRetries, rateLimitDelays, rateLimitRejected,
		pollCycles, pollFailures, candlesDispatched, handlerFailures, usedWeight,
	)

	m := &Metrics{
		RequestsSent:      promCounter{requestsSent},
		RequestsFailed:    promCounter{requestsFailed},
		RequestRetries:    promCounter{requestRetries},
		RateLimitDelays:   promCounter{rateLimitDelays},
		RateLimitRejected: promCounter{rateLimitRejected},
		PollCycles:        promCounter{pollCycles},
		PollFailures:      promCounter{pollFailures},
		CandlesDispatched: promCounter{candlesDispatched},
		HandlerFailures:   promCounter{handlerFailures},
		UsedWeight:        promGauge{usedWeight},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		requestsSent:      requestsSent,
		requestsFailed:    requestsFailed,
		requestRetries:    requestRetries,
		rateLimitDelays:   rateLimitDelays,
		rateLimitRejected: rateLimitRejected,
		pollCycles:        pollCycles,
		pollFailures:      pollFailures,
		candlesDispatched: candlesDispatched,
		handlerFailures:   handlerFailures,
		usedWeight:        usedWeight,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
