package batcher

import (
	"errors"
	"fmt"
	"time"
)

// Policy decides when accumulation of a batch should stop.
//
// A batch is complete as soon as it holds BatchSize messages, no message has
// arrived for QuietPeriod, or BatchTimeout has elapsed since the cycle began.
// ReceiveTimeout is the poll interval of a single receive call; it bounds how
// late any of those conditions (and a stop request) can be observed.
type Policy struct {
	BatchSize      int
	QuietPeriod    time.Duration
	BatchTimeout   time.Duration
	ReceiveTimeout time.Duration
}

// DefaultPolicy dispatches every message on its own.
var DefaultPolicy = Policy{
	BatchSize:      1,
	QuietPeriod:    1000 * time.Millisecond,
	BatchTimeout:   5000 * time.Millisecond,
	ReceiveTimeout: 1000 * time.Millisecond,
}

// Validate reports values the accumulation loop cannot work with.
func (p Policy) Validate() error {
	if p.BatchSize < 1 {
		return errors.New("BatchSize must be >= 1")
	}
	if p.QuietPeriod <= 0 {
		return errors.New("QuietPeriod must be > 0")
	}
	if p.BatchTimeout <= 0 {
		return errors.New("BatchTimeout must be > 0")
	}
	if p.ReceiveTimeout <= 0 {
		return errors.New("ReceiveTimeout must be > 0")
	}
	return nil
}

// Warnings lists combinations that are accepted but make the policy fire
// later than configured.
func (p Policy) Warnings() []string {
	var out []string
	if p.ReceiveTimeout > p.QuietPeriod {
		out = append(out, fmt.Sprintf(
			"receive timeout %s exceeds quiet period %s; quiet flushes will be late",
			p.ReceiveTimeout, p.QuietPeriod))
	}
	if p.ReceiveTimeout > p.BatchTimeout {
		out = append(out, fmt.Sprintf(
			"receive timeout %s exceeds batch timeout %s; timed flushes will be late",
			p.ReceiveTimeout, p.BatchTimeout))
	}
	return out
}

// Continue reports whether accumulation should go on.
func (p Policy) Continue(count int, sinceStart, sinceLast time.Duration) bool {
	return p.Evaluate(count, sinceStart, sinceLast) == ReasonNone
}

// Evaluate returns why accumulation must stop, or ReasonNone to keep going.
// When several rules are violated at once the first of full, timeout, quiet
// is reported.
func (p Policy) Evaluate(count int, sinceStart, sinceLast time.Duration) Reason {
	switch {
	case count >= p.BatchSize:
		return ReasonFull
	case sinceStart >= p.BatchTimeout:
		return ReasonTimeout
	case sinceLast >= p.QuietPeriod:
		return ReasonQuiet
	default:
		return ReasonNone
	}
}

// Reason tells why a batch stopped accumulating.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonFull
	ReasonQuiet
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFull:
		return "full"
	case ReasonQuiet:
		return "quiet"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}
