package engine

import "github.com/pkg/errors"

// errCode enumerates the fatal error kinds of spec.md §7, mirrored after
// the teacher's errCode/errorToString pattern in its protocol package.
type errCode int

const (
	ErrConfig errCode = iota
	ErrStateCorrupt
	ErrUUIDMismatch
	ErrRevisionRegression
	ErrTransport
	ErrIntegrity
)

var errorToString = map[errCode]string{
	ErrConfig:             "configuration error",
	ErrStateCorrupt:       "sync state corrupted",
	ErrUUIDMismatch:       "peer uuid mismatch",
	ErrRevisionRegression: "revision regression",
	ErrTransport:          "transport failure",
	ErrIntegrity:          "integrity violation",
}

func (e errCode) String() string {
	if s, ok := errorToString[e]; ok {
		return s
	}
	return "unknown error"
}

// SyncError wraps a fatal abort with its kind, per spec.md §7's error
// handling design.
type SyncError struct {
	Code errCode
	Err  error
}

func (e *SyncError) Error() string { return e.Code.String() + ": " + e.Err.Error() }

func (e *SyncError) Unwrap() error { return e.Err }

func newSyncError(code errCode, err error) *SyncError {
	return &SyncError{Code: code, Err: err}
}

// IntegrityError reports an attempt to overwrite a local file with content
// that hashes differently from the incoming content (spec.md §3, "a file
// is never overwritten with differing content").
type IntegrityError struct {
	Path string
}

func (e *IntegrityError) Error() string {
	return errors.Errorf("refusing to overwrite %s: existing content digest differs from incoming", e.Path).Error()
}
