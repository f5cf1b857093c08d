package scanning

import (
	"context"
	"errors"
	"fmt"
)

// FaultKind classifies an adapter failure
type FaultKind int

const (
	// FaultUnavailable means the backend is not configured and no call was made
	FaultUnavailable FaultKind = iota
	// FaultAnalyze means the backend answered but rejected the document or
	// returned output that does not fit the expected schema
	FaultAnalyze
	// FaultException is any other failure during the call, timeouts included
	FaultException
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnavailable:
		return "unavailable"
	case FaultAnalyze:
		return "analyze"
	case FaultException:
		return "exception"
	}
	return "unknown"
}

// Fault is the typed error every adapter returns
type Fault struct {
	Backend Backend
	Kind    FaultKind
	Err     error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s %s", f.Backend.DisplayName(), f.Kind)
	}
	return fmt.Sprintf("%s %s: %v", f.Backend.DisplayName(), f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func unavailable(b Backend, format string, args ...any) *Fault {
	return &Fault{Backend: b, Kind: FaultUnavailable, Err: fmt.Errorf(format, args...)}
}

func rejected(b Backend, err error) *Fault {
	return &Fault{Backend: b, Kind: FaultAnalyze, Err: err}
}

func exception(b Backend, err error) *Fault {
	return &Fault{Backend: b, Kind: FaultException, Err: err}
}

// AsFault converts any error into a *Fault attributed to b. Errors that are
// already faults are returned unchanged; everything else is an exception.
func AsFault(b Backend, err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return exception(b, err)
}

// errPollExhausted marks a submit/poll operation that never reached a
// terminal state inside its budget
var errPollExhausted = errors.New("operation did not complete in time")

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
