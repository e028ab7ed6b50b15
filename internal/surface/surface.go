// Package surface defines the command protocol the engine drives against an
// interactive AI front end, one isolated session per execution context.
package surface

import (
	"context"
	"fmt"
)

// Handle identifies one open session on the surface.
type Handle struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	URL      string `json:"url"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s@%d", h.ID, h.Position)
}

// Extraction strategies understood by drivers. Executors fall back through
// them in the configured order.
const (
	StrategyResponse    = "response"
	StrategyLastMessage = "last_message"
	StrategyCopyButton  = "copy_button"
)

// DefaultStrategies is the extraction fallback order used when none is
// configured.
var DefaultStrategies = []string{StrategyResponse, StrategyLastMessage}

// Driver issues commands to sessions. Every call is fallible and returns an
// error rather than panicking.
type Driver interface {
	Open(ctx context.Context, url string, position int) (Handle, error)
	InputText(ctx context.Context, h Handle, text string) error
	SelectOption(ctx context.Context, h Handle, category, name string) error
	Submit(ctx context.Context, h Handle) error
	// PollBusy reports whether the session's busy indicator is showing.
	PollBusy(ctx context.Context, h Handle) (bool, error)
	ExtractText(ctx context.Context, h Handle, strategy string) (string, error)
	// Exists reports whether the session is still alive.
	Exists(ctx context.Context, h Handle) (bool, error)
	Close(ctx context.Context, h Handle) error
}

// Provisioner asks the surrounding environment for a wholly new surface
// instance at a position (a new browser window).
type Provisioner interface {
	Provision(ctx context.Context, position int) error
}
