package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	RequestsSent      Counter
	RequestsFailed    Counter
	RequestRetries    Counter
	RateLimitDelays   Counter
	RateLimitRejected Counter
	PollCycles        Counter
	PollFailures      Counter
	CandlesDispatched Counter
	HandlerFailures   Counter
	UsedWeight        Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		RequestsSent:      n,
		RequestsFailed:    n,
		RequestRetries:    n,
		RateLimitDelays:   n,
		RateLimitRejected: n,
		PollCycles:        n,
		PollFailures:      n,
		CandlesDispatched: n,
		HandlerFailures:   n,
		UsedWeight:        noopGauge{},
	}
}
