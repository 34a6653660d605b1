package metrics

import (
	"sync"
	"time"
)

// Collector tracks service counters in memory for the /metrics endpoint.
type Collector struct {
	mu sync.RWMutex

	requests    map[string]int64 // by endpoint
	requestDur  map[string]int64 // total duration in ms by endpoint
	errors      map[string]int64 // 5xx responses by endpoint
	inFlight    map[string]int64

	quotaRejections int64 // simulations rejected for an exhausted daily quota

	parseFailures int64 // provider replies that failed schema validation

	providerRequests map[string]int64 // by model
	providerErrors   map[string]int64
	providerLatency  map[string]int64 // total latency in ms by model

	streamsStarted   int64
	streamsCancelled int64

	startTime time.Time
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:         make(map[string]int64),
		requestDur:       make(map[string]int64),
		errors:           make(map[string]int64),
		inFlight:         make(map[string]int64),
		providerRequests: make(map[string]int64),
		providerErrors:   make(map[string]int64),
		providerLatency:  make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a completed request for an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[endpoint]++
	c.requestDur[endpoint] += duration.Milliseconds()
}

// RecordError records a failed request for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[endpoint]++
}

// RecordRequestStart marks a request in flight.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[endpoint]++
}

// RecordRequestEnd clears an in-flight request.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[endpoint]--
}

// RecordQuotaRejection counts a simulation turned away at the daily limit.
func (c *Collector) RecordQuotaRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotaRejections++
}

// RecordParseFailure counts a provider reply that did not validate.
func (c *Collector) RecordParseFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parseFailures++
}

// RecordProviderCall records one upstream model invocation.
func (c *Collector) RecordProviderCall(model string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerRequests[model]++
	c.providerLatency[model] += duration.Milliseconds()
	if err != nil {
		c.providerErrors[model]++
	}
}

// RecordStreamStart counts an accepted streaming simulation.
func (c *Collector) RecordStreamStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsStarted++
}

// RecordStreamCancelled counts a stream abandoned by the client.
func (c *Collector) RecordStreamCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsCancelled++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds    int64
	Requests         map[string]int64
	RequestDur       map[string]int64
	Errors           map[string]int64
	InFlight         map[string]int64
	QuotaRejections  int64
	ParseFailures    int64
	ProviderRequests map[string]int64
	ProviderErrors   map[string]int64
	ProviderLatency  map[string]int64
	StreamsStarted   int64
	StreamsCancelled int64
}

// GetSnapshot copies the current counters.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		UptimeSeconds:    int64(time.Since(c.startTime).Seconds()),
		Requests:         copyMap(c.requests),
		RequestDur:       copyMap(c.requestDur),
		Errors:           copyMap(c.errors),
		InFlight:         copyMap(c.inFlight),
		QuotaRejections:  c.quotaRejections,
		ParseFailures:    c.parseFailures,
		ProviderRequests: copyMap(c.providerRequests),
		ProviderErrors:   copyMap(c.providerErrors),
		ProviderLatency:  copyMap(c.providerLatency),
		StreamsStarted:   c.streamsStarted,
		StreamsCancelled: c.streamsCancelled,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
