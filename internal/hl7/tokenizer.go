// Package hl7 tokenizes HL7-v2-shaped report text into tagged segments
// and decodes segment fields and components. It is format-agnostic
// beyond segment shape: PDF-extracted text normalized to the same line
// convention flows through the same code paths.
package hl7

import (
	"strings"

	"github.com/savegress/labbridge/pkg/models"
)

// Default HL7 v2.x delimiters.
const (
	DefaultFieldSeparator     = "|"
	DefaultComponentSeparator = "^"
)

// Segment tags the pipeline understands. Anything else is preserved as
// an unrecognized segment, never dropped.
const (
	TagMSH = "MSH"
	TagPID = "PID"
	TagOBX = "OBX"
)

// RawSegment is one tokenized report line. Fields holds the raw field
// strings in order, split on the field separator with the tag at index
// zero. Immutable once produced.
type RawSegment struct {
	Tag          string
	Unrecognized bool
	Fields       []string
	Raw          string
	Line         int
}

// Tokenizer splits raw report text into ordered, tagged segments.
type Tokenizer struct {
	fieldSep     string
	componentSep string
}

// NewTokenizer creates a tokenizer with the default HL7 delimiters.
// Delimiters are re-detected from the MSH segment of each message.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		fieldSep:     DefaultFieldSeparator,
		componentSep: DefaultComponentSeparator,
	}
}

// Separators returns the field and component separators in effect after
// the last Tokenize call.
func (t *Tokenizer) Separators() (field, component string) {
	return t.fieldSep, t.componentSep
}

// Tokenize splits raw text into non-blank, tagged segments. It fails
// only when the input is empty or no line contains a field delimiter;
// per-line classification failures become warnings attached to an
// unrecognized segment.
func (t *Tokenizer) Tokenize(raw string) ([]RawSegment, []models.Warning, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, models.NewFormatError("empty input", 0)
	}

	// Normalize line endings; HL7 uses \r as segment terminator,
	// PDF-extracted text arrives with \n.
	content := strings.ReplaceAll(raw, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")

	// Detect delimiters from the first MSH line, if any.
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, TagMSH) && len(trimmed) >= 5 {
			t.fieldSep = string(trimmed[3])
			t.componentSep = string(trimmed[4])
			break
		}
	}

	var (
		segments  []RawSegment
		warnings  []models.Warning
		delimSeen bool
	)

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lineNo := i + 1

		seg := RawSegment{Raw: trimmed, Line: lineNo}

		if !strings.Contains(trimmed, t.fieldSep) {
			seg.Unrecognized = true
			warnings = append(warnings, models.Warning{
				Line:    lineNo,
				Message: "no field delimiter on line",
			})
			segments = append(segments, seg)
			continue
		}
		delimSeen = true

		seg.Fields = strings.Split(trimmed, t.fieldSep)
		tag := seg.Fields[0]
		if !validTag(tag) {
			seg.Unrecognized = true
			warnings = append(warnings, models.Warning{
				Segment: tag,
				Line:    lineNo,
				Message: "unclassifiable segment tag",
			})
			segments = append(segments, seg)
			continue
		}

		seg.Tag = tag
		if tag != TagMSH && tag != TagPID && tag != TagOBX {
			seg.Unrecognized = true
		}
		segments = append(segments, seg)
	}

	if !delimSeen {
		return nil, nil, models.NewFormatError("no field delimiter found on any line", 0)
	}
	return segments, warnings, nil
}

// validTag reports whether s is a 3-character uppercase alphanumeric
// segment code.
func validTag(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
