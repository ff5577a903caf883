package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect matches every *ConnectError
	ErrConnect = errors.New("store connection failed")
	// ErrOperation matches every *OperationError
	ErrOperation = errors.New("store operation failed")
	// ErrInvalidCursor is returned for a cursor this store did not issue
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrUnauthorized is wrapped in a *ConnectError when a local engine
	// rejects the access token
	ErrUnauthorized = errors.New("access token rejected")
)

// ConnectError reports that a connection could not be opened
type ConnectError struct {
	Backend    string
	DatabaseID string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s database %q: %v", e.Backend, e.DatabaseID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// OperationError reports that an operation failed on an open connection
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool { return target == ErrOperation }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidCursor) {
		return err
	}
	return &OperationError{Op: op, Err: err}
}
