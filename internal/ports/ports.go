// Package ports classifies local TCP ports and finds substitutes when the
// desired one is taken. Checks are point-in-time: nothing is reserved, so a
// caller can still lose a race for a port reported Available.
package ports

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxPort is the numeric port ceiling; searches saturate here.
	MaxPort = 65535
	// FirstUnprivileged is the lowest port not treated as Reserved.
	FirstUnprivileged = 1024
	// DefaultSearchSpan is how many ports above a taken one are tried.
	DefaultSearchSpan = 10
)

// Kind discriminates Status.
type Kind int

const (
	Available Kind = iota
	InUse
	Reserved
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Available:
		return "available"
	case InUse:
		return "in_use"
	case Reserved:
		return "reserved"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ProcessInfo identifies the process bound to a port, as far as the OS tells us.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
}

func (p *ProcessInfo) String() string {
	if p == nil {
		return "unknown process"
	}
	if p.Name == "" {
		return "pid " + strconv.Itoa(p.PID)
	}
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Status is the classification of one port. Occupant is only set for InUse
// and may be nil even then.
type Status struct {
	Kind     Kind         `json:"kind"`
	Occupant *ProcessInfo `json:"occupant,omitempty"`
}

// Usable reports whether a service may be started on the port.
func (s Status) Usable() bool { return s.Kind == Available }

func (s Status) String() string {
	if s.Kind == InUse && s.Occupant != nil {
		return "in use by " + s.Occupant.String()
	}
	return s.Kind.String()
}

// Allocator checks ports on one host address. The zero value checks
// 127.0.0.1 and looks occupants up through the OS socket table.
type Allocator struct {
	Host string
	// Lookup overrides occupant lookup; nil uses LookupOccupant.
	Lookup func(ctx context.Context, port int) *ProcessInfo
}

func (a Allocator) host() string {
	if a.Host == "" {
		return "127.0.0.1"
	}
	return a.Host
}

// Classify reports whether port can be bound right now.
func (a Allocator) Classify(port int) Status {
	if port <= 0 || port > MaxPort {
		return Status{Kind: Invalid}
	}
	if port < FirstUnprivileged {
		return Status{Kind: Reserved}
	}
	if a.canBind(port) {
		return Status{Kind: Available}
	}
	lookup := a.Lookup
	if lookup == nil {
		lookup = LookupOccupant
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return Status{Kind: InUse, Occupant: lookup(ctx, port)}
}

// FindAvailable probes start, start+1, ... for at most maxAttempts candidates
// and returns the first Available port.
func (a Allocator) FindAvailable(start, maxAttempts int) (int, bool) {
	if maxAttempts <= 0 || start > MaxPort {
		return 0, false
	}
	if start < 1 {
		start = 1
	}
	for i := 0; i < maxAttempts; i++ {
		port := start + i
		if port > MaxPort {
			// saturated: the ceiling was already probed
			break
		}
		if a.Classify(port).Usable() {
			return port, true
		}
	}
	return 0, false
}

func (a Allocator) canBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host(), strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

var local Allocator

// Classify checks port on 127.0.0.1.
func Classify(port int) Status { return local.Classify(port) }

// FindAvailable searches upward from start on 127.0.0.1.
func FindAvailable(start, maxAttempts int) (int, bool) {
	return local.FindAvailable(start, maxAttempts)
}

// Range is an inclusive port window.
type Range struct {
	Start int `json:"start" mapstructure:"start"`
	End   int `json:"end" mapstructure:"end"`
}

var (
	DefaultDatabaseRange = Range{Start: 5433, End: 5443}
	DefaultBackendRange  = Range{Start: 5001, End: 5011}
)

// Size is the number of ports in the window, zero when inverted.
func (r Range) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Find returns the first Available port in the window.
func (r Range) Find() (int, bool) { return FindAvailable(r.Start, r.Size()) }

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// ParseRange reads "start-end", or a single port as a one-port window.
func ParseRange(s string) (Range, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found {
		hi = lo
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Range{}, fmt.Errorf("invalid port range %q", s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return Range{}, fmt.Errorf("invalid port range %q", s)
	}
	r := Range{Start: start, End: end}
	if r.Size() == 0 || start < 1 || end > MaxPort {
		return Range{}, fmt.Errorf("invalid port range %q", s)
	}
	return r, nil
}
