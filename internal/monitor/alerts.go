package monitor

import (
	"time"

	"github.com/google/uuid"
)

// AlertLevel orders alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is one triggered condition. Resolved alerts are retained in
// the ring until they age out or are displaced.
type Alert struct {
	ID          string     `json:"id"`
	Level       AlertLevel `json:"level"`
	Message     string     `json:"message"`
	OperationID string     `json:"operationId,omitempty"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  time.Time  `json:"resolvedAt,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// LogSeverity classifies log entries; each severity keeps its own ring.
type LogSeverity string

const (
	LogDebug LogSeverity = "debug"
	LogInfo  LogSeverity = "info"
	LogWarn  LogSeverity = "warn"
	LogError LogSeverity = "error"
)

// LogEntry is one in-memory log record.
type LogEntry struct {
	Time        time.Time   `json:"time"`
	Severity    LogSeverity `json:"severity"`
	Message     string      `json:"message"`
	OperationID string      `json:"operationId,omitempty"`
}

// ring is a fixed-capacity FIFO; a full ring displaces its oldest
// entry.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// all returns entries oldest first.
func (r *ring[T]) all() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// filter keeps entries the predicate accepts, preserving order.
func (r *ring[T]) filter(keep func(T) bool) {
	kept := make([]T, 0, r.n)
	for _, v := range r.all() {
		if keep(v) {
			kept = append(kept, v)
		}
	}
	r.start = 0
	r.n = len(kept)
	copy(r.buf, kept)
}

func newAlert(level AlertLevel, message, operationID string, now time.Time) *Alert {
	return &Alert{
		ID:          uuid.NewString(),
		Level:       level,
		Message:     message,
		OperationID: operationID,
		TriggeredAt: now,
	}
}
