package lease

import (
	"fmt"
	"strings"
	"time"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
)

const (
	// DefaultToken opens every lease marker.
	DefaultToken = "[processing]"
	// AbandonedToken opens the marker left on cells whose unit gave up.
	AbandonedToken = "[abandoned]"
)

// Marker is a parsed lease marker: token on the first line, acquisition
// time on the second.
type Marker struct {
	Token string
	At    time.Time
	// Valid is false when the timestamp line could not be parsed.
	Valid bool
}

// FormatMarker renders a marker acquired at t.
func FormatMarker(token string, t time.Time) string {
	return token + "\n" + t.UTC().Format(time.RFC3339Nano)
}

// ParseMarker parses v as a marker of token. ok is false when v is not a
// lease marker at all.
func ParseMarker(token, v string) (m Marker, ok bool) {
	first, rest, _ := strings.Cut(strings.TrimSpace(v), "\n")
	if strings.TrimSpace(first) != token {
		return Marker{}, false
	}
	m.Token = token
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rest))
	if err == nil {
		m.At, m.Valid = at, true
	}
	return m, true
}

// Age returns how old the marker is at now. Invalid markers are infinitely
// old.
func (m Marker) Age(now time.Time) time.Duration {
	if !m.Valid {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(m.At)
}

// FormatAbandoned renders the marker left on a cell whose unit was
// abandoned.
func FormatAbandoned(category model.FailureCategory, attempts int) string {
	return fmt.Sprintf("%s\n%s after %d attempts", AbandonedToken, category, attempts)
}

// CellState classifies a target cell value.
type CellState int

const (
	CellEmpty CellState = iota
	CellLive
	CellExpired
	CellAbandoned
	CellCompleted
)

func (s CellState) String() string {
	switch s {
	case CellEmpty:
		return "empty"
	case CellLive:
		return "live"
	case CellExpired:
		return "expired"
	case CellAbandoned:
		return "abandoned"
	case CellCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Classify returns the state of a cell holding v for a lease of duration d.
func Classify(token, v string, d time.Duration, now time.Time) CellState {
	if sheet.IsBlank(v) {
		return CellEmpty
	}
	if m, ok := ParseMarker(token, v); ok {
		if m.Age(now) >= d {
			return CellExpired
		}
		return CellLive
	}
	if strings.HasPrefix(strings.TrimSpace(v), AbandonedToken) {
		return CellAbandoned
	}
	return CellCompleted
}
