package network

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the networking core. Callers match recovery
// policy with errors.Is. Host-command, lock and pool errors wrap one of
// these; filesystem failures on the run directory are wrapped as they come.
var (
	ErrPoolExhausted   = errors.New("ip pool exhausted")
	ErrLockTimeout     = errors.New("ip pool lock timeout")
	ErrRegistryCorrupt = errors.New("ip registry corrupt")
	ErrCommandMissing  = errors.New("required command missing")
	ErrCommandFailed   = errors.New("command failed")
	ErrNoDefaultRoute  = errors.New("no default route")
)

// Error carries the operation, the error kind, and any captured detail
// (typically stderr from a host command).
type Error struct {
	Op     string // e.g. "ippool.allocate", "bridge.setup"
	Kind   error  // one of the sentinels above
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(op string, kind error, detail string, err error) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail, Err: err}
}
