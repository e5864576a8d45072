// Package errs holds the error taxonomy shared by the port allocator, the
// supervisor, the config cache and the orchestrator.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means an operation needs a setup step that has not run yet.
	ErrNotInitialized = errors.New("not initialized")

	// ErrBinaryNotFound means the service executable does not exist. Never retried.
	ErrBinaryNotFound = errors.New("binary not found")

	// ErrSpawnFailed means the OS refused to create the child process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrReadinessTimeout means the child runs but never became ready in its window.
	ErrReadinessTimeout = errors.New("readiness timeout")

	// ErrPortConflict means no usable port was found in the search range.
	ErrPortConflict = errors.New("port conflict")

	// ErrConfig covers config cache read and write failures.
	ErrConfig = errors.New("config error")

	// ErrChildTerminated means the child output closed before any stop was requested.
	ErrChildTerminated = errors.New("child terminated unexpectedly")

	// ErrDataDirInUse means a live server from another run still owns the data directory.
	ErrDataDirInUse = errors.New("data directory in use")
)

// ServiceError attaches the service name and failed operation to an error.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *ServiceError.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Op: op, Err: err}
}

// Structural reports whether err should end a retry loop immediately.
func Structural(err error) bool {
	return errors.Is(err, ErrBinaryNotFound) || errors.Is(err, ErrNotInitialized)
}
