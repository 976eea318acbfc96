// Package gate implements the permission gate: a re-entrant check that
// either hands off to the host bootstrap or keeps asking for the
// capabilities that are still outstanding.
//
// Every entry re-queries the host. Negative answers are never cached.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"twoyi/internal/logging"
)

// ErrPermissionRefused is returned by non-interactive checks while a
// capability is outstanding. It is never terminal: running again after
// the grant succeeds.
var ErrPermissionRefused = errors.New("permission refused")

// Capability names a host-OS capability the engine needs.
type Capability string

const (
	Notifications Capability = "notifications"
	Storage       Capability = "storage"
	Foreground    Capability = "foreground"
)

// Order is the documented query order. Storage prompts cannot be
// interleaved with other prompts, so notifications come first and
// storage second.
var Order = []Capability{Notifications, Storage, Foreground}

// Status is the host's answer for one capability.
type Status int

const (
	// Unknown means the user has never been asked.
	Unknown Status = iota
	Denied
	Granted
	PermanentlyDenied
)

// Requestable reports whether a prompt may be raised for s.
func (s Status) Requestable() bool { return s == Unknown || s == Denied }

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case PermanentlyDenied:
		return "permanently_denied"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "unknown", "":
		*s = Unknown
	case "granted":
		*s = Granted
	case "denied":
		*s = Denied
	case "permanently_denied", "permanently-denied", "never":
		*s = PermanentlyDenied
	default:
		return fmt.Errorf("unknown capability status %q", text)
	}
	return nil
}

// Host is the OS surface the gate talks to. Request and OpenSettings
// start a user interaction and return immediately; the gate is entered
// again once the user has answered.
type Host interface {
	Query(c Capability) Status
	Request(c Capability)
	OpenSettings(c Capability)
}

// Action is what the gate did on one entry.
type Action int

const (
	// Advance means every capability is granted.
	Advance Action = iota
	// Requested means a prompt was raised for Decision.Capability.
	Requested
	// Settings means the user was routed to the settings surface.
	Settings
)

func (a Action) String() string {
	switch a {
	case Advance:
		return "advance"
	case Requested:
		return "requested"
	case Settings:
		return "settings"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision is the outcome of one gate entry.
type Decision struct {
	Action     Action
	Capability Capability // set unless Action is Advance
	Statuses   map[Capability]Status
}

// Outstanding lists capabilities that are not granted, in query order.
func (d Decision) Outstanding(order []Capability) []Capability {
	var out []Capability
	for _, c := range order {
		if d.Statuses[c] != Granted {
			out = append(out, c)
		}
	}
	return out
}

// Gate evaluates capabilities in a fixed order.
type Gate struct {
	host   Host
	order  []Capability
	logger *slog.Logger
}

// New returns a Gate over caps, or Order when caps is empty.
func New(host Host, caps []Capability, logger *slog.Logger) *Gate {
	if len(caps) == 0 {
		caps = Order
	}
	return &Gate{
		host:   host,
		order:  append([]Capability(nil), caps...),
		logger: logging.Component(logger, "gate"),
	}
}

// Capabilities returns the query order.
func (g *Gate) Capabilities() []Capability {
	return append([]Capability(nil), g.order...)
}

// Enter runs the gate once. An unknown or denied capability is requested
// before any permanently denied one is routed to settings; the first in
// order wins within each class.
func (g *Gate) Enter() Decision {
	statuses := g.query()

	if c, ok := g.first(statuses, Status.Requestable); ok {
		g.logger.Info("requesting capability", "capability", c)
		g.host.Request(c)
		return Decision{Action: Requested, Capability: c, Statuses: statuses}
	}
	if c, ok := g.first(statuses, func(s Status) bool { return s == PermanentlyDenied }); ok {
		g.logger.Info("routing to settings", "capability", c)
		g.host.OpenSettings(c)
		return Decision{Action: Settings, Capability: c, Statuses: statuses}
	}

	g.logger.Debug("all capabilities granted")
	return Decision{Action: Advance, Statuses: statuses}
}

// Check queries every capability without raising prompts. It returns a
// *RefusedError when any is outstanding.
func (g *Gate) Check() error {
	d := Decision{Statuses: g.Statuses()}
	if out := d.Outstanding(g.order); len(out) > 0 {
		return &RefusedError{Outstanding: out}
	}
	return nil
}

// Statuses queries every capability without raising prompts.
func (g *Gate) Statuses() map[Capability]Status { return g.query() }

func (g *Gate) query() map[Capability]Status {
	statuses := make(map[Capability]Status, len(g.order))
	for _, c := range g.order {
		statuses[c] = g.host.Query(c)
		g.logger.Debug("queried capability", "capability", c, "status", statuses[c])
	}
	return statuses
}

func (g *Gate) first(statuses map[Capability]Status, match func(Status) bool) (Capability, bool) {
	for _, c := range g.order {
		if match(statuses[c]) {
			return c, true
		}
	}
	return "", false
}

// RefusedError lists the capabilities still outstanding.
type RefusedError struct {
	Outstanding []Capability
}

func (e *RefusedError) Error() string {
	names := make([]string, len(e.Outstanding))
	for i, c := range e.Outstanding {
		names[i] = string(c)
	}
	return fmt.Sprintf("permission refused: outstanding capabilities: %s", strings.Join(names, ", "))
}

func (e *RefusedError) Unwrap() error { return ErrPermissionRefused }
