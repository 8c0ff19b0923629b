package bux

import "fmt"

// ErrorKind classifies a bux.Error. Code is only meaningful for Krun and
// Ext2fs, which wrap an underlying collaborator's own numeric status.
type ErrorKind int

const (
	ErrKrun ErrorKind = iota
	ErrExt2fs
	ErrInvalidPath
	ErrIo
	ErrDb
	ErrJson
	ErrInvalidReference
	ErrNotFound
	ErrAmbiguous
	ErrRegistry
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKrun:
		return "krun"
	case ErrExt2fs:
		return "ext2fs"
	case ErrInvalidPath:
		return "invalid_path"
	case ErrIo:
		return "io"
	case ErrDb:
		return "db"
	case ErrJson:
		return "json"
	case ErrInvalidReference:
		return "invalid_reference"
	case ErrNotFound:
		return "not_found"
	case ErrAmbiguous:
		return "ambiguous"
	case ErrRegistry:
		return "registry"
	default:
		return "unknown"
	}
}

// Error is bux's single error type. Op names the stable operation that
// failed (e.g. "ext2fs_open", "runtime.spawn", "store.pull"); Code carries
// a collaborator's own status for Krun/Ext2fs failures.
type Error struct {
	Op   string
	Kind ErrorKind
	Code int32
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an Error, preserving cause for errors.Is/As chains.
func Wrap(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// NotFound builds a not-found Error for the given identifier.
func NotFound(op, id string) error {
	return &Error{Op: op, Kind: ErrNotFound, Err: fmt.Errorf("%q not found", id)}
}

// Ambiguous builds an ambiguous-identifier Error naming every match.
func Ambiguous(op, prefix string, matches []string) error {
	return &Error{Op: op, Kind: ErrAmbiguous, Err: fmt.Errorf("prefix %q matches %d records: %v", prefix, len(matches), matches)}
}
