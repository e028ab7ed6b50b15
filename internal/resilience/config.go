package resilience

import (
	"time"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// FromEscalationConfig overlays configured values on the default policy
// table. maxAttempts is keyed by category name; schedules are in seconds.
func FromEscalationConfig(inPlace, recreate, consecutive int, maxAttempts map[string]int, schedules map[string][]int, quarantineMins int) EscalationConfig {
	cfg := DefaultEscalationConfig()
	if inPlace > 0 {
		cfg.InPlaceMaxAttempt = inPlace
	}
	if recreate > 0 {
		cfg.RecreateMaxAttempt = recreate
	}
	if consecutive > 0 {
		cfg.ConsecutiveHardThreshold = consecutive
	}
	for name, n := range maxAttempts {
		cat := model.FailureCategory(name)
		p, ok := cfg.Policies[cat]
		if !ok || n <= 0 {
			continue
		}
		p.MaxAttempts = n
		cfg.Policies[cat] = p
	}
	for name, secs := range schedules {
		if len(secs) == 0 {
			continue
		}
		ds := make([]time.Duration, len(secs))
		for i, s := range secs {
			ds[i] = time.Duration(s) * time.Second
		}
		cfg.Schedules[model.Tier(name)] = ds
	}
	if quarantineMins > 0 {
		cfg.Quarantine = time.Duration(quarantineMins) * time.Minute
	}
	return cfg
}
