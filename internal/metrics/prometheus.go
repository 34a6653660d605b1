package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in the Prometheus text exposition format.
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP postlab_uptime_seconds Time since the server started\n")
	sb.WriteString("# TYPE postlab_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "postlab_uptime_seconds %d\n\n", snap.UptimeSeconds)

	sb.WriteString("# HELP postlab_requests_total Total requests by endpoint\n")
	sb.WriteString("# TYPE postlab_requests_total counter\n")
	for _, ep := range sortedKeys(snap.Requests) {
		fmt.Fprintf(&sb, "postlab_requests_total{endpoint=%q} %d\n", ep, snap.Requests[ep])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_request_errors_total Failed requests by endpoint\n")
	sb.WriteString("# TYPE postlab_request_errors_total counter\n")
	for _, ep := range sortedKeys(snap.Errors) {
		fmt.Fprintf(&sb, "postlab_request_errors_total{endpoint=%q} %d\n", ep, snap.Errors[ep])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE postlab_request_duration_ms_total counter\n")
	for _, ep := range sortedKeys(snap.RequestDur) {
		fmt.Fprintf(&sb, "postlab_request_duration_ms_total{endpoint=%q} %d\n", ep, snap.RequestDur[ep])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_requests_in_progress Requests currently being handled\n")
	sb.WriteString("# TYPE postlab_requests_in_progress gauge\n")
	for _, ep := range sortedKeys(snap.InFlight) {
		if snap.InFlight[ep] > 0 {
			fmt.Fprintf(&sb, "postlab_requests_in_progress{endpoint=%q} %d\n", ep, snap.InFlight[ep])
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_quota_rejections_total Simulations rejected at the daily limit\n")
	sb.WriteString("# TYPE postlab_quota_rejections_total counter\n")
	fmt.Fprintf(&sb, "postlab_quota_rejections_total %d\n\n", snap.QuotaRejections)

	sb.WriteString("# HELP postlab_parse_failures_total Provider replies that failed validation\n")
	sb.WriteString("# TYPE postlab_parse_failures_total counter\n")
	fmt.Fprintf(&sb, "postlab_parse_failures_total %d\n\n", snap.ParseFailures)

	sb.WriteString("# HELP postlab_provider_requests_total Upstream model invocations\n")
	sb.WriteString("# TYPE postlab_provider_requests_total counter\n")
	for _, m := range sortedKeys(snap.ProviderRequests) {
		fmt.Fprintf(&sb, "postlab_provider_requests_total{model=%q} %d\n", m, snap.ProviderRequests[m])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_provider_errors_total Upstream model failures\n")
	sb.WriteString("# TYPE postlab_provider_errors_total counter\n")
	for _, m := range sortedKeys(snap.ProviderErrors) {
		fmt.Fprintf(&sb, "postlab_provider_errors_total{model=%q} %d\n", m, snap.ProviderErrors[m])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_provider_latency_ms_total Total upstream latency in milliseconds\n")
	sb.WriteString("# TYPE postlab_provider_latency_ms_total counter\n")
	for _, m := range sortedKeys(snap.ProviderLatency) {
		fmt.Fprintf(&sb, "postlab_provider_latency_ms_total{model=%q} %d\n", m, snap.ProviderLatency[m])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP postlab_streams_started_total Streaming simulations accepted\n")
	sb.WriteString("# TYPE postlab_streams_started_total counter\n")
	fmt.Fprintf(&sb, "postlab_streams_started_total %d\n\n", snap.StreamsStarted)

	sb.WriteString("# HELP postlab_streams_cancelled_total Streams abandoned by clients\n")
	sb.WriteString("# TYPE postlab_streams_cancelled_total counter\n")
	fmt.Fprintf(&sb, "postlab_streams_cancelled_total %d\n", snap.StreamsCancelled)

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
