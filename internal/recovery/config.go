// Package recovery implements the error-recovery subsystem: a closed
// strategy table keyed by swarmerr.Code, exponential-backoff retry, a
// circuit breaker per external integration, and loop protection so a
// flapping dependency cannot retry forever. It is grounded on the
// teacher's recovery-action/executor split in its control-plane package,
// generalized from "stuck workflow" detection to the closed error
// taxonomy this system shares across every component.
package recovery

import (
	"time"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// retryConfigKeyForCode maps a closed-taxonomy code to its RetryConfigs key.
var retryConfigKeyForCode = map[swarmerr.Code]string{
	swarmerr.AgentTimeout:    "agentTimeout",
	swarmerr.RoutingFailed:   "routing",
	swarmerr.RateLimited:     "rateLimited",
	swarmerr.DatabaseError:   "database",
	swarmerr.FilesystemError: "filesystem",
}

// RetryConfigForCode returns the retry policy spec.md §7 prescribes for a
// retryable error code.
func RetryConfigForCode(code swarmerr.Code) RetryConfig {
	if key, ok := retryConfigKeyForCode[code]; ok {
		return RetryConfigFor(key)
	}
	return DefaultRetryConfig
}

// RetryConfig configures one exponential-backoff retry policy.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Exponent     float64
	Jitter       float64 // fraction, e.g. 0.2 for +/-20%
}

// DefaultRetryConfig is used for any code without a more specific entry.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Exponent:     2,
	Jitter:       0.1,
}

// AgentSpawnRetryConfig is RETRY_CONFIGS.agentSpawn from spec: 2 retries
// after the first attempt (3 attempts in all), 1s initial delay,
// exponential x2, +/-20% jitter.
var AgentSpawnRetryConfig = RetryConfig{
	MaxRetries:   2,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Exponent:     2,
	Jitter:       0.2,
}

// RetryConfigs maps each retryable error code to its applicable policy.
var RetryConfigs = map[string]RetryConfig{
	"agentSpawn":   AgentSpawnRetryConfig,
	"agentTimeout": {MaxRetries: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Exponent: 2, Jitter: 0.2},
	"routing":      {MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Exponent: 2, Jitter: 0.1},
	"rateLimited":  {MaxRetries: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Exponent: 2, Jitter: 0.3},
	"database":     {MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Exponent: 2, Jitter: 0.1},
	"filesystem":   {MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Exponent: 2, Jitter: 0.1},
	"circuitRetry": {MaxRetries: 1, InitialDelay: 0, MaxDelay: 0, Exponent: 1, Jitter: 0},
}

// RetryConfigFor returns the applicable retry policy for a recoverable
// error code, falling back to DefaultRetryConfig for anything unlisted.
func RetryConfigFor(code string) RetryConfig {
	if cfg, ok := RetryConfigs[code]; ok {
		return cfg
	}
	return DefaultRetryConfig
}

// BreakerConfig configures a circuit breaker shared by one integration.
type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
	SuccessThreshold uint32
}

// DefaultBreakerConfig matches spec.md §5's defaults: open after 5
// consecutive failures, half-open after 30s, closed after 2 consecutive
// half-open successes.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Timeout:          30 * time.Second,
	SuccessThreshold: 2,
}
