package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// categoryPatterns are matched against the lowercased error message, in
// category priority order.
var categoryPatterns = []struct {
	category model.FailureCategory
	patterns []string
}{
	{model.CategoryAuthOrSession, []string{
		"login", "log in", "sign in", "signin", "unauthorized", "forbidden",
		"status 401", "status 403", "session expired", "session has expired",
		"authentication", "not logged", "ログイン", "認証",
	}},
	{model.CategoryRateLimit, []string{
		"rate limit", "rate-limit", "ratelimit", "too many requests", "status 429",
		"usage limit", "usage cap", "quota", "limit reached", "try again later", "上限",
	}},
	{model.CategoryNetwork, []string{
		"network", "connection", "econn", "dns", "offline", "status 502",
		"status 503", "status 504", "net::err", "socket",
	}},
	{model.CategoryElementNotFound, []string{
		"element not found", "no such element", "selector", "could not find",
		"not found on page", "要素が見つかりません",
	}},
	{model.CategoryInteractionTiming, []string{
		"timeout", "timed out", "deadline exceeded", "not ready", "still busy",
		"stale", "not interactable", "detached",
	}},
}

// Classify derives the failure category of err. Message heuristics run
// first in priority order; typed orchestration errors decide the rest.
func Classify(err error) model.FailureCategory {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())
	for _, cp := range categoryPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(msg, p) {
				return cp.category
			}
		}
	}

	switch code := StatusCode(err); {
	case code == 401 || code == 403:
		return model.CategoryAuthOrSession
	case code == 429:
		return model.CategoryRateLimit
	case code >= 500:
		return model.CategoryNetwork
	}

	switch {
	case IsTransient(err):
		return model.CategoryNetwork
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.CategoryInteractionTiming
	case errors.Is(err, model.ErrConfigurationFailed), errors.Is(err, model.ErrExtractFailed):
		return model.CategoryElementNotFound
	}
	return model.CategoryGeneral
}

// RequiresFreshContext reports whether err leaves the execution context
// unusable, so retrying in place is impossible.
func RequiresFreshContext(err error) bool {
	return errors.Is(err, model.ErrContextLost) || errors.Is(err, model.ErrCreationFailed)
}
