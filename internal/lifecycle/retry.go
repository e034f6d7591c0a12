package lifecycle

import (
	"strings"
	"time"
)

// transientVocabulary is the substring list used to decide whether a setup
// failure is worth auto-retrying (§4.8 "Auto-retry").
var transientVocabulary = []string{
	"timed out", "econnreset", "ehostunreach", "enotfound", "network",
	"ssh connection closed", "ssh connection lost", "sftp",
}

// isTransientFailure reports whether msg matches the transient vocabulary,
// case-insensitively.
func isTransientFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, v := range transientVocabulary {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

const (
	retryBase       = 4 * time.Second
	retryFactor     = 2.0
	retryCap        = 60 * time.Second
	retryMaxAttempt = 6
)

// nextRetryDelay returns the backoff delay before retry attempt n (1-based),
// capped at retryCap, per the base=4s/factor=2/cap=60s schedule.
func nextRetryDelay(attempt int) time.Duration {
	d := float64(retryBase)
	for i := 1; i < attempt; i++ {
		d *= retryFactor
	}
	if time.Duration(d) > retryCap {
		return retryCap
	}
	return time.Duration(d)
}
