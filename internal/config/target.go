// ABOUTME: Target specification parsing for listening endpoints and pass-through output
// ABOUTME: Parses "[tcp:|ws:]port[:delay]" and "stdout[:delay]" with per-target error reporting
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies how consumers attach to a target
type Kind string

const (
	KindTCP    Kind = "tcp"
	KindWS     Kind = "ws"
	KindStdout Kind = "stdout"
)

// MaxListeners bounds the number of network targets
const MaxListeners = 16

var (
	ErrInvalidTarget  = errors.New("invalid target")
	ErrDuplicatePort  = errors.New("duplicate port")
	ErrTooManyTargets = errors.New("too many listening targets")
	ErrDelayClamped   = errors.New("delay clamped to buffer capacity")
)

// Target pairs a network port (or the pass-through output) with a delay in sample units
type Target struct {
	Kind  Kind
	Port  int
	Delay int
}

// Name returns a short identifier such as "tcp:8000" or "stdout"
func (t Target) Name() string {
	if t.Kind == KindStdout {
		return string(KindStdout)
	}
	return fmt.Sprintf("%s:%d", t.Kind, t.Port)
}

func (t Target) String() string {
	return fmt.Sprintf("%s (delay %d)", t.Name(), t.Delay)
}

// ParseTarget parses a single target specification
func ParseTarget(spec string) (Target, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Target{}, fmt.Errorf("%w: empty specification", ErrInvalidTarget)
	}

	parts := strings.Split(spec, ":")
	t := Target{Kind: KindTCP}

	switch parts[0] {
	case string(KindStdout):
		t.Kind = KindStdout
		parts = parts[1:]
		if len(parts) > 1 {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, spec)
		}
		if len(parts) == 1 {
			d, err := parseDelay(parts[0])
			if err != nil {
				return Target{}, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, spec, err)
			}
			t.Delay = d
		}
		return t, nil
	case string(KindTCP), string(KindWS):
		t.Kind = Kind(parts[0])
		parts = parts[1:]
	}

	if len(parts) == 0 || len(parts) > 2 {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, spec)
	}

	port, err := strconv.Atoi(parts[0])
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidTarget, spec, parts[0])
	}
	t.Port = port

	if len(parts) == 2 {
		d, err := parseDelay(parts[1])
		if err != nil {
			return Target{}, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, spec, err)
		}
		t.Delay = d
	}

	return t, nil
}

func parseDelay(s string) (int, error) {
	d, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad delay %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative delay %d", d)
	}
	return d, nil
}

// ParseTargets parses every specification. Bad, duplicate and excess targets are
// skipped; each is reported in problems. Delays above maxDelay are clamped and the
// target is kept, with an ErrDelayClamped problem.
func ParseTargets(specs []string, maxDelay int) (targets []Target, problems []error) {
	ports := make(map[int]bool)
	haveStdout := false
	listeners := 0

	for _, spec := range specs {
		t, err := ParseTarget(spec)
		if err != nil {
			problems = append(problems, err)
			continue
		}

		if t.Kind == KindStdout {
			if haveStdout {
				problems = append(problems, fmt.Errorf("%w: stdout given more than once", ErrInvalidTarget))
				continue
			}
			haveStdout = true
		} else {
			if ports[t.Port] {
				problems = append(problems, fmt.Errorf("%w: %d", ErrDuplicatePort, t.Port))
				continue
			}
			if listeners >= MaxListeners {
				problems = append(problems, fmt.Errorf("%w: %q ignored (max %d)", ErrTooManyTargets, spec, MaxListeners))
				continue
			}
			ports[t.Port] = true
			listeners++
		}

		if t.Delay > maxDelay {
			problems = append(problems, fmt.Errorf("%w: %s requested %d, using %d", ErrDelayClamped, t.Name(), t.Delay, maxDelay))
			t.Delay = maxDelay
		}

		targets = append(targets, t)
	}

	return targets, problems
}
