package models

import (
	"strings"
	"time"
)

// SourceFormat identifies how a raw report arrived.
type SourceFormat string

const (
	SourceFormatHL7     SourceFormat = "hl7"
	SourceFormatPDFText SourceFormat = "pdf-extracted-text"
)

// PersonName represents a patient name split into its HL7 components
// (Last^First^Middle). Extra holds any components beyond the third; they
// are preserved positionally rather than discarded.
type PersonName struct {
	Family string   `json:"family,omitempty"`
	Given  string   `json:"given,omitempty"`
	Middle string   `json:"middle,omitempty"`
	Extra  []string `json:"extra,omitempty"`
}

// Empty reports whether no name component is present.
func (n PersonName) Empty() bool {
	return n.Family == "" && n.Given == "" && n.Middle == "" && len(n.Extra) == 0
}

// String joins the components in their canonical order, skipping blanks.
func (n PersonName) String() string {
	parts := make([]string, 0, 3+len(n.Extra))
	for _, p := range []string{n.Family, n.Given, n.Middle} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for _, p := range n.Extra {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// PatientIdentifiers holds the identifying attributes extracted from a
// report's PID segment, already normalized. Absent attributes are empty.
// A value is built once by the assembler and never mutated afterwards.
type PatientIdentifiers struct {
	MRN         string     `json:"mrn,omitempty"`
	Name        PersonName `json:"name,omitempty"`
	DateOfBirth string     `json:"dateOfBirth,omitempty"` // ISO-8601 date or empty
}

// Trivial reports whether the identifiers carry nothing usable for
// matching. A transmission with trivial identifiers is never produced.
func (p PatientIdentifiers) Trivial() bool {
	return p.MRN == "" && p.Name.Empty() && p.DateOfBirth == ""
}

// ClinicalObservation is one OBX result line in canonical form.
type ClinicalObservation struct {
	Code           string `json:"code"`
	CodingSystem   string `json:"codingSystem,omitempty"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"referenceRange,omitempty"`
	AbnormalFlag   string `json:"abnormalFlag,omitempty"`
}

// Transmission is the canonical record produced from one raw report.
// Invariant: at least one observation and non-trivial identifiers.
type Transmission struct {
	ReportID     string                `json:"reportId"`
	ReportDate   string                `json:"reportDate"`
	MessageType  string                `json:"messageType"`
	Observations []ClinicalObservation `json:"observations"`
	Patient      PatientIdentifiers    `json:"patientIdentifiers"`
	Warnings     []Warning             `json:"warnings,omitempty"`
}

// Warning records a recoverable problem found while parsing or
// assembling a report. Line and FieldIndex are zero when not applicable.
type Warning struct {
	Segment    string `json:"segment,omitempty"`
	FieldIndex int    `json:"fieldIndex,omitempty"`
	Line       int    `json:"line,omitempty"`
	Message    string `json:"message"`
}

// PatientRecord is one row of an immutable directory snapshot handed to
// the match engine. All attributes are stored normalized.
type PatientRecord struct {
	PatientID   string     `json:"patientId"`
	MRN         string     `json:"normalizedMrn,omitempty"`
	Name        PersonName `json:"normalizedName,omitempty"`
	DateOfBirth string     `json:"normalizedDob,omitempty"`
}

// StoredTransmission is a committed transmission together with its
// directory bookkeeping.
type StoredTransmission struct {
	Transmission
	PatientID  string    `json:"patientId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Role is a user role understood by the upload gate.
type Role string

const (
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
	RoleAdmin  Role = "admin"
)

// CanUpload reports whether the role may submit reports for ingestion.
func (r Role) CanUpload() bool {
	return r == RoleDoctor || r == RoleNurse
}

// User is the authenticated identity attached to a session.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}
