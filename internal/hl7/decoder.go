package hl7

import "strings"

// CanonicalField is a decoded field value. Present distinguishes a
// field that exists but is empty (adjacent delimiters) from one that is
// absent (index beyond the segment's field count). Components is nil
// unless the caller asked for a component split.
type CanonicalField struct {
	Value      string
	Components []string
	Present    bool
}

// Component returns the i-th component and whether it is present.
// A field decoded without a component split has only component zero.
func (f CanonicalField) Component(i int) (string, bool) {
	if !f.Present {
		return "", false
	}
	if f.Components == nil {
		if i == 0 {
			return f.Value, true
		}
		return "", false
	}
	if i < 0 || i >= len(f.Components) {
		return "", false
	}
	return f.Components[i], true
}

// Decoder splits tokenized segments into fields and components using
// the separators in effect for the message.
type Decoder struct {
	fieldSep     string
	componentSep string
}

// NewDecoder creates a decoder for the given separators. Zero values
// fall back to the HL7 defaults.
func NewDecoder(fieldSep, componentSep string) *Decoder {
	if fieldSep == "" {
		fieldSep = DefaultFieldSeparator
	}
	if componentSep == "" {
		componentSep = DefaultComponentSeparator
	}
	return &Decoder{fieldSep: fieldSep, componentSep: componentSep}
}

// Field returns field n of a segment by HL7 numbering without splitting
// components. MSH numbering is shifted by one because MSH-1 is the
// field separator itself.
func (d *Decoder) Field(seg RawSegment, n int) CanonicalField {
	idx := n
	if seg.Tag == TagMSH {
		idx = n - 1
	}
	if idx < 0 || idx >= len(seg.Fields) {
		return CanonicalField{}
	}
	return CanonicalField{Value: seg.Fields[idx], Present: true}
}

// ComponentField returns field n split on the component separator.
func (d *Decoder) ComponentField(seg RawSegment, n int) CanonicalField {
	f := d.Field(seg, n)
	if !f.Present {
		return f
	}
	f.Components = strings.Split(f.Value, d.componentSep)
	return f
}

// Rejoin reassembles a segment's fields with the field separator. Used
// to verify that decoding is lossless.
func (d *Decoder) Rejoin(seg RawSegment) string {
	return strings.Join(seg.Fields, d.fieldSep)
}
