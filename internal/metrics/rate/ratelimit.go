package rate

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/logger"
)

// ReportRateLimitExceeded counts a quota signal from provider and logs it with
// the wait the caller is about to apply.
func ReportRateLimitExceeded(log *logger.Log, provider, endpoint string, wait time.Duration) {
	component := strings.ToLower(provider) + "_reader"
	fields := logger.Fields{
		"provider": strings.ToLower(provider),
		"endpoint": endpoint,
	}
	metrics.ObserveRateLimit()
	logger.IncrementRateLimited()
	metrics.EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)

	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent(component).WithFields(fields).WithFields(logger.Fields{
		"wait_ms": wait.Milliseconds(),
	}).Warn("rate limit exceeded")
}

// DetectLimit inspects an error message returned by provider and reports
// whether it signals an exhausted request quota or a rejected credential.
func DetectLimit(provider, msg string) (rateLimit bool, authFailure bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(provider) {
	case "polygon":
		rateLimit = strings.Contains(lowerMsg, "exceeded the maximum requests") ||
			strings.Contains(lowerMsg, "too many requests") ||
			strings.Contains(lowerMsg, "rate limit")
		authFailure = strings.Contains(lowerMsg, "unknown api key") ||
			(strings.Contains(lowerMsg, "api key") && (strings.Contains(lowerMsg, "invalid") || strings.Contains(lowerMsg, "missing"))) ||
			strings.Contains(lowerMsg, "not authorized") ||
			strings.Contains(lowerMsg, "not entitled")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		authFailure = strings.Contains(lowerMsg, "unauthorized") || strings.Contains(lowerMsg, "forbidden")
	}
	return
}

// RetryAfter extracts the server-requested wait from a Retry-After header,
// accepting either delay seconds or an HTTP date. Zero means no hint.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	if nums := extractInts(raw); len(nums) > 0 && nums[0] > 0 {
		return time.Duration(nums[0]) * time.Second
	}
	return 0
}
