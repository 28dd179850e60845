package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ingestion failures for callers and API payloads.
type ErrorKind string

const (
	ErrKindIO                ErrorKind = "io_error"
	ErrKindFormat            ErrorKind = "format_error"
	ErrKindMissingSegment    ErrorKind = "missing_segment"
	ErrKindMalformedField    ErrorKind = "malformed_field"
	ErrKindNoMatch           ErrorKind = "no_match"
	ErrKindAmbiguousMatch    ErrorKind = "ambiguous_match"
	ErrKindDirectoryConflict ErrorKind = "directory_conflict"
)

// IngestError is the typed error surfaced by every pipeline stage.
// Optional fields are zero when they do not apply to the kind.
type IngestError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Line         int       `json:"line,omitempty"`
	Segment      string    `json:"segment,omitempty"`
	FieldIndex   int       `json:"fieldIndex,omitempty"`
	BestScore    float64   `json:"bestScore,omitempty"`
	CandidateIDs []string  `json:"candidateIds,omitempty"`
}

func (e *IngestError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewIOError reports an unreadable or empty source.
func NewIOError(msg string) *IngestError {
	return &IngestError{Kind: ErrKindIO, Message: msg}
}

// NewFormatError reports input that could not be tokenized at all.
func NewFormatError(msg string, line int) *IngestError {
	return &IngestError{Kind: ErrKindFormat, Message: msg, Line: line}
}

// NewMissingSegmentError reports an absent required segment. Always
// fatal for the file: no transmission is produced.
func NewMissingSegmentError(segment string) *IngestError {
	return &IngestError{
		Kind:    ErrKindMissingSegment,
		Message: fmt.Sprintf("required segment %s not found", segment),
		Segment: segment,
	}
}

// NewMalformedFieldError reports an undecodable field. Fatal in strict
// mode; downgraded to a warning in robust mode.
func NewMalformedFieldError(segment string, index, line int, msg string) *IngestError {
	return &IngestError{
		Kind:       ErrKindMalformedField,
		Message:    msg,
		Segment:    segment,
		FieldIndex: index,
		Line:       line,
	}
}

// NewNoMatchError reports that fuzzy matching stayed below threshold.
func NewNoMatchError(bestScore float64) *IngestError {
	return &IngestError{
		Kind:      ErrKindNoMatch,
		Message:   fmt.Sprintf("no candidate reached the acceptance threshold (best %.3f)", bestScore),
		BestScore: bestScore,
	}
}

// NewAmbiguousMatchError reports multiple indistinguishable candidates.
func NewAmbiguousMatchError(candidateIDs []string) *IngestError {
	return &IngestError{
		Kind:         ErrKindAmbiguousMatch,
		Message:      fmt.Sprintf("%d candidates could not be told apart", len(candidateIDs)),
		CandidateIDs: candidateIDs,
	}
}

// NewDirectoryConflictError reports a lost append race or a vanished
// patient at commit time.
func NewDirectoryConflictError(msg string) *IngestError {
	return &IngestError{Kind: ErrKindDirectoryConflict, Message: msg}
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}
