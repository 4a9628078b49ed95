// Package domain defines the core domain values for snapkeeper.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DomainError is an error with a structured code of the form
// SK-<AREA>-<NNNN>. The numeric part follows HTTP status conventions:
// 4xxx is a caller mistake, 5xxx is a node-side condition.
type DomainError struct {
	Code    string // Error code (e.g., "SK-STOR-5001")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true // Only check if it's a DomainError
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Storage Errors (STOR)
// ============================================================================

var (
	// ErrInconsistentStoreSet indicates stores disagree on their latest
	// marker even after recovery. Operator intervention is required.
	ErrInconsistentStoreSet = NewDomainError("SK-STOR-5001", "inconsistent store set")

	// ErrUncleanShutdown indicates the unsafe-region marker survived the
	// previous process.
	ErrUncleanShutdown = NewDomainError("SK-STOR-5002", "unclean shutdown detected")

	// ErrStoreClosed indicates a commit or read on a store that is not open.
	ErrStoreClosed = NewDomainError("SK-STOR-5003", "store is not open")

	// ErrInvalidMarker indicates an attempt to commit the empty marker.
	ErrInvalidMarker = NewDomainError("SK-STOR-4001", "invalid epoch marker")

	// ErrMarkerRegression indicates a commit below the latest marker.
	ErrMarkerRegression = NewDomainError("SK-STOR-4002", "epoch marker regression")

	// ErrPendingEpoch indicates a store already holds a staged epoch that
	// has not been committed.
	ErrPendingEpoch = NewDomainError("SK-STOR-4091", "another epoch is pending")
)

// ============================================================================
// Workspace Errors (WKSP)
// ============================================================================

var (
	// ErrWorkspaceOpen indicates the workspace sentinel could not be opened.
	ErrWorkspaceOpen = NewDomainError("SK-WKSP-5031", "cannot open workspace sentinel")

	// ErrWorkspaceHeld indicates a lock call on an already held lock.
	ErrWorkspaceHeld = NewDomainError("SK-WKSP-4091", "workspace lock already held")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrSnapshotNotFound indicates no snapshot exists at the requested block.
	ErrSnapshotNotFound = NewDomainError("SK-SNAP-4041", "snapshot not found")

	// ErrSnapshotCorrupt indicates a checksum or hash mismatch.
	ErrSnapshotCorrupt = NewDomainError("SK-SNAP-4221", "snapshot verification failed")
)

// ============================================================================
// Peer Errors (PEER)
// ============================================================================

var (
	// ErrPeerUnreachable indicates a connection to the peer could not be made.
	ErrPeerUnreachable = NewDomainError("SK-PEER-5021", "peer unreachable")

	// ErrMalformedResponse indicates an empty or unparseable peer response.
	ErrMalformedResponse = NewDomainError("SK-PEER-5022", "malformed peer response")
)

// ============================================================================
// Vote Errors (VOTE)
// ============================================================================

var (
	// ErrInsufficientVotes indicates no hash reached the quorum threshold.
	ErrInsufficientVotes = NewDomainError("SK-VOTE-5091", "insufficient votes")
)

// StoreMarker is one store's reported marker, used in diagnostics.
type StoreMarker struct {
	Store  string
	Marker Marker
}

// InconsistentStoreSetError carries every store's marker before and after
// recovery so the operator can see which stores disagree.
type InconsistentStoreSetError struct {
	Before []StoreMarker
	After  []StoreMarker
}

func (e *InconsistentStoreSetError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInconsistentStoreSet.Error())
	b.WriteString(": markers after recovery:")
	writeMarkers(&b, e.After)
	b.WriteString("; before recovery:")
	writeMarkers(&b, e.Before)
	return b.String()
}

// Is matches ErrInconsistentStoreSet.
func (e *InconsistentStoreSetError) Is(target error) bool {
	return errors.Is(ErrInconsistentStoreSet, target)
}

func writeMarkers(b *strings.Builder, ms []StoreMarker) {
	for _, m := range ms {
		fmt.Fprintf(b, " %s=%s", m.Store, m.Marker)
	}
}

// HashTally is the number of votes one hash received.
type HashTally struct {
	Hash  string `json:"hash" yaml:"hash"`
	Votes int    `json:"votes" yaml:"votes"`
}

// InsufficientVotesError reports the full tally of a failed agreement pass.
type InsufficientVotesError struct {
	Participants int
	Required     int
	Tallies      []HashTally
	NoAnswer     int
}

func (e *InsufficientVotesError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: need %d of %d participants, %d gave no answer",
		ErrInsufficientVotes.Error(), e.Required, e.Participants, e.NoAnswer)
	for _, t := range e.Tallies {
		fmt.Fprintf(&b, "; %s=%d", t.Hash, t.Votes)
	}
	return b.String()
}

// Is matches ErrInsufficientVotes.
func (e *InsufficientVotesError) Is(target error) bool {
	return errors.Is(ErrInsufficientVotes, target)
}
