package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuietHours marks an unusable owner quiet-hours record.
var ErrInvalidQuietHours = errors.New("invalid quiet hours")

// QuietHours is the per-owner delivery window configuration.
type QuietHours struct {
	ChatID               string `json:"chat_id"`
	Timezone             string `json:"timezone"`
	SilentStart          int    `json:"silent_start"`
	SilentEnd            int    `json:"silent_end"`
	Language             string `json:"language"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// IsSilent reports whether hour falls inside the [start, end) window.
// start > end wraps midnight; start == end is an empty window.
func IsSilent(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start > end:
		return hour >= start || hour < end
	default:
		return start <= hour && hour < end
	}
}

// Validate checks hour bounds and the timezone name.
func (q QuietHours) Validate() error {
	if q.SilentStart < 0 || q.SilentStart > 23 || q.SilentEnd < 0 || q.SilentEnd > 23 {
		return fmt.Errorf("%w: hours must be within 0-23 (got %d-%d)", ErrInvalidQuietHours, q.SilentStart, q.SilentEnd)
	}
	if _, err := time.LoadLocation(q.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidQuietHours, q.Timezone, err)
	}
	return nil
}

// SilentAt reports whether deliveries to the owner are suppressed at now,
// evaluated in the owner's timezone. Disabled notifications are always silent.
func (q QuietHours) SilentAt(now time.Time) (bool, error) {
	if !q.NotificationsEnabled {
		return true, nil
	}
	if err := q.Validate(); err != nil {
		return false, err
	}
	loc, _ := time.LoadLocation(q.Timezone)
	return IsSilent(now.In(loc).Hour(), q.SilentStart, q.SilentEnd), nil
}
