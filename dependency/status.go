package dependency

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ValidationStatus is the cached outcome for a (dependency, validation key) pair.
type ValidationStatus uint8

const (
	// StatusNew means no cache entry exists; the dependency must be
	// downloaded and validated.
	StatusNew ValidationStatus = iota
	// StatusValid means the dependency was validated and is durably stored.
	StatusValid
	// StatusRemoved means a validator rejected the dependency for this key.
	StatusRemoved
)

// Status codes persisted in the validation cache table. New has no code;
// it is represented by the absence of a row.
const (
	codeRemoved = 0
	codeValid   = 1
)

// String returns the status name.
func (s ValidationStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusValid:
		return "VALID"
	case StatusRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("ValidationStatus(%d)", s)
	}
}

// Code returns the persisted status code. StatusNew cannot be persisted.
func (s ValidationStatus) Code() (int, bool) {
	switch s {
	case StatusValid:
		return codeValid, true
	case StatusRemoved:
		return codeRemoved, true
	default:
		return 0, false
	}
}

// StatusFromCode maps a persisted code back to a status.
func StatusFromCode(code int) (ValidationStatus, error) {
	switch code {
	case codeValid:
		return StatusValid, nil
	case codeRemoved:
		return StatusRemoved, nil
	default:
		return StatusNew, errors.Newf("unknown validation status code %d", code)
	}
}

// FileStatus describes a blob's state in storage.
type FileStatus uint8

const (
	// NonExistent means no write has begun.
	NonExistent FileStatus = iota
	// Open means a write is in flight, possibly in another process.
	Open
	// Closed means the write is durably complete.
	Closed
)

// String returns the status name.
func (s FileStatus) String() string {
	switch s {
	case NonExistent:
		return "NON_EXISTENT"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("FileStatus(%d)", s)
	}
}
