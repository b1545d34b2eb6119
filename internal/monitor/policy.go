package monitor

import (
	"strings"

	"codeberg.org/mutker/shockwatch/internal/errors"
)

// ReadErrorPolicy selects what a cycle does when the sensor read fails.
type ReadErrorPolicy string

const (
	// PolicySkip drops the sample for this cycle. Nothing can arm, but an
	// open window still expires on time.
	PolicySkip ReadErrorPolicy = "skip"
	// PolicyRetry re-reads within the same cycle before falling back to skip.
	PolicyRetry ReadErrorPolicy = "retry"
	// PolicyHalt forces the alarm off and stops the loop with the error.
	PolicyHalt ReadErrorPolicy = "halt"
)

const ErrInvalidPolicy = errors.ErrorCode("monitor_invalid_policy")

// ParsePolicy maps a configured name to a ReadErrorPolicy.
func ParsePolicy(s string) (ReadErrorPolicy, error) {
	p := ReadErrorPolicy(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", errors.New().WithData(ErrInvalidPolicy, s)
	}

	return p, nil
}

// IsValid returns whether the policy is known
func (p ReadErrorPolicy) IsValid() bool {
	switch p {
	case PolicySkip, PolicyRetry, PolicyHalt:
		return true
	default:
		return false
	}
}

func (p ReadErrorPolicy) String() string {
	return string(p)
}
