// Package apperrors defines the sentinel errors shared by the service layer.
// Callers classify failures with errors.Is; the HTTP edge maps each sentinel
// to its status code.
package apperrors

import "errors"

var (
	// ErrNotFound: the record or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the supplied retrieval key or security answer is wrong.
	ErrForbidden = errors.New("forbidden")
	// ErrGone: the database pointer exists but the object has expired in
	// storage. Expected divergence, not corruption.
	ErrGone = errors.New("gone")
	// ErrConflict: duplicate ingest or an already-persisted file.
	ErrConflict = errors.New("conflict")
	// ErrValidation: malformed or non-conforming payload. Terminal for the
	// item that carried it; never retried by this layer.
	ErrValidation = errors.New("validation failed")
)
