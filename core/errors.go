package core

import (
	"errors"
	"fmt"
)

// ProtocolError signals that a handler received a message it does not expect,
// e.g. an ack handed to the request handler.
type ProtocolError struct {
	Expected string // the message type the handler accepts
	Got      string // the message type actually received
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: expected %s, got %s", e.Expected, e.Got)
}

// StorageError wraps a failure from the audit log storage collaborator.
type StorageError struct {
	Op  string // the storage operation, e.g. "count", "get_all"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	var protocolError *ProtocolError
	return errors.As(err, &protocolError)
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var storageError *StorageError
	return errors.As(err, &storageError)
}
