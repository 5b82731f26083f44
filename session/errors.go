package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps any failure reaching the persistent store.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrIdentityResolution marks a row missing immediately after the write
	// that should have created it. Never silently defaulted.
	ErrIdentityResolution = errors.New("user identity could not be resolved")
	// ErrConfiguration marks an unresolvable node identity or malformed
	// settings. Fatal at startup.
	ErrConfiguration = errors.New("invalid session coordinator configuration")
)

// DenialCode is the coarse-grained reason attached to a rejected admission,
// letting operators triage outages apart from data issues.
type DenialCode string

const (
	CodeIdentityResolution DenialCode = "identity-resolution-failure"
	CodeStoreUnavailable   DenialCode = "store-unavailable"
	CodeTimeout            DenialCode = "timeout"
	CodeDraining           DenialCode = "node-draining"
)

// AdmissionError is a login denial with a human-readable reason and a code.
type AdmissionError struct {
	Code   DenialCode
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission denied (%s): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("admission denied (%s): %s", e.Code, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func deny(code DenialCode, reason string, err error) *AdmissionError {
	return &AdmissionError{Code: code, Reason: reason, Err: err}
}
