package ledger

import (
	"fmt"
	"time"
)

// RateLimitError is the typed "rate limited" condition. Terminal for the
// request; carries a human-readable reset estimate.
type RateLimitError struct {
	Window  Window
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s window resets %s", e.Window, e.ResetEstimate())
}

// ResetEstimate renders the time-to-reset for users.
func (e *RateLimitError) ResetEstimate() string {
	d := time.Until(e.ResetAt)
	if d <= 0 {
		return "in under a minute"
	}
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "in under a minute"
	}
	if d < time.Hour {
		return fmt.Sprintf("in %d minutes", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m == 0 {
		return fmt.Sprintf("in %d hours", h)
	}
	return fmt.Sprintf("in %dh %dm", h, m)
}

// ForbiddenError is raised when a tier lacks access to a cost-gated mode.
type ForbiddenError struct {
	Tier     string
	Mode     string
	Required string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s mode requires the %s plan", e.Mode, e.Required)
}

// UnavailableError wraps backing-store failures that could not be absorbed by
// the fail-open path (e.g. a deduction half that must not be guessed at).
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("quota service unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
