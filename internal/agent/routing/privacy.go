package routing

import (
	"fmt"
	"strings"
)

// PrivacyLevel is a per-session classification controlling which backends
// may serve a request.
type PrivacyLevel string

const (
	PrivacyStandard  PrivacyLevel = "standard"
	PrivacySensitive PrivacyLevel = "sensitive"
	PrivacyStrict    PrivacyLevel = "strict"
)

// PrivacyViolation is returned when a strict-privacy request has no
// zero-data-retention backend to serve it.
type PrivacyViolation struct {
	Level PrivacyLevel
}

func (e *PrivacyViolation) Error() string {
	return fmt.Sprintf("PrivacyViolation: no zero-data-retention backend available at level %q", e.Level)
}

// BackendInfo is the subset of backend configuration the privacy filter
// needs: its name and whether it asserts zero data retention.
type BackendInfo struct {
	Name              string
	ZeroDataRetention bool
}

// PrivacyEvent is emitted when a sensitive-level request is forced onto a
// non-ZDR backend, for the caller to surface as a session event.
type PrivacyEvent struct {
	Backend string
	Message string
}

// FilterByPrivacy narrows candidateNames to those admissible at level,
// given the full backend configuration. It returns the filtered list, an
// optional warning event (sensitive level forced off-ZDR), and an error
// (PrivacyViolation) if strict level has no admissible candidate.
func FilterByPrivacy(level PrivacyLevel, candidateNames []string, backends map[string]BackendInfo) ([]string, *PrivacyEvent, error) {
	if level == "" {
		level = PrivacyStandard
	}
	if level == PrivacyStandard {
		return candidateNames, nil, nil
	}

	var zdr, nonZdr []string
	for _, name := range candidateNames {
		info, ok := backends[name]
		if ok && info.ZeroDataRetention {
			zdr = append(zdr, name)
		} else {
			nonZdr = append(nonZdr, name)
		}
	}

	switch level {
	case PrivacySensitive:
		if len(zdr) > 0 {
			return zdr, nil, nil
		}
		if len(nonZdr) > 0 {
			return nonZdr, &PrivacyEvent{
				Backend: nonZdr[0],
				Message: "sensitive-privacy session forced onto a non-zero-data-retention backend",
			}, nil
		}
		return nil, nil, fmt.Errorf("no backends available")

	case PrivacyStrict:
		if len(zdr) > 0 {
			return zdr, nil, nil
		}
		return nil, nil, &PrivacyViolation{Level: level}

	default:
		return candidateNames, nil, nil
	}
}

// DefaultSensitivePatterns are case-insensitive substrings that trigger
// auto-escalation to PrivacyStrict for the remainder of a session when
// found in the first user message.
var DefaultSensitivePatterns = []string{
	"password", "ssn", "social security", "credit card", "api key",
	"secret key", "private key", "passport",
}

// MatchesSensitivePattern reports whether content contains any configured
// sensitive pattern (case-insensitive substring match).
func MatchesSensitivePattern(content string, patterns []string) bool {
	if content == "" {
		return false
	}
	lower := strings.ToLower(content)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// EscalateLevel applies the session-sticky auto-escalation rule: once a
// session has escalated to strict, it never de-escalates within the
// caller's current level tracking.
func EscalateLevel(current PrivacyLevel, firstUserMessage string, patterns []string) PrivacyLevel {
	if current == PrivacyStrict {
		return PrivacyStrict
	}
	if MatchesSensitivePattern(firstUserMessage, patterns) {
		return PrivacyStrict
	}
	return current
}
