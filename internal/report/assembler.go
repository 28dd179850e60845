// Package report assembles tokenized segments into canonical
// transmissions, validating the segment set and normalizing the
// extracted patient identifiers.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/labbridge/internal/hl7"
	"github.com/savegress/labbridge/internal/normalize"
	"github.com/savegress/labbridge/pkg/models"
)

// Mode controls how malformed individual fields are handled. Robust
// mode substitutes absent and records a warning; strict mode aborts the
// file. Missing PID/OBX segments are fatal in both modes.
type Mode string

const (
	ModeRobust Mode = "robust"
	ModeStrict Mode = "strict"
)

// Schema maps segment tags to the HL7 field numbers extracted from
// them. IncludeCodingSystem additionally retains the coding-system
// component of the observation code.
type Schema struct {
	PIDMRNField  int
	PIDNameField int
	PIDDOBField  int

	OBXCodeField  int
	OBXValueField int
	OBXUnitField  int
	OBXRangeField int
	OBXFlagField  int

	MSHTimeField int
	MSHTypeField int

	IncludeCodingSystem bool
}

// DefaultSchema returns the standard ORU extraction schema.
func DefaultSchema() Schema {
	return Schema{
		PIDMRNField:   3,
		PIDNameField:  5,
		PIDDOBField:   7,
		OBXCodeField:  3,
		OBXValueField: 5,
		OBXUnitField:  6,
		OBXRangeField: 7,
		OBXFlagField:  8,
		MSHTimeField:  7,
		MSHTypeField:  9,
	}
}

// Assembler validates a tokenized segment set and builds a
// Transmission from it.
type Assembler struct {
	mode   Mode
	schema Schema
	now    func() time.Time
	newID  func() string
}

// NewAssembler creates an assembler. An empty mode defaults to robust.
func NewAssembler(mode Mode, schema Schema) *Assembler {
	if mode == "" {
		mode = ModeRobust
	}
	return &Assembler{
		mode:   mode,
		schema: schema,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// mshTimeLayouts accepts progressively less precise HL7 timestamps.
var mshTimeLayouts = []string{
	"20060102150405",
	"200601021504",
	"20060102",
}

// Assemble validates the segment set and produces the canonical
// transmission. A missing PID or OBX segment is always fatal and no
// transmission is produced; other problems follow the assembler mode.
func (a *Assembler) Assemble(segs []hl7.RawSegment, dec *hl7.Decoder) (*models.Transmission, error) {
	var (
		msh  *hl7.RawSegment
		pids []hl7.RawSegment
		obxs []hl7.RawSegment
	)
	for i := range segs {
		switch segs[i].Tag {
		case hl7.TagMSH:
			if msh == nil {
				msh = &segs[i]
			}
		case hl7.TagPID:
			pids = append(pids, segs[i])
		case hl7.TagOBX:
			obxs = append(obxs, segs[i])
		}
	}

	if len(pids) == 0 {
		return nil, models.NewMissingSegmentError(hl7.TagPID)
	}
	if len(obxs) == 0 {
		return nil, models.NewMissingSegmentError(hl7.TagOBX)
	}

	var warnings []models.Warning
	if len(pids) > 1 {
		if a.mode == ModeStrict {
			return nil, models.NewMalformedFieldError(hl7.TagPID, 0, pids[1].Line,
				fmt.Sprintf("%d PID segments, exactly one expected", len(pids)))
		}
		warnings = append(warnings, models.Warning{
			Segment: hl7.TagPID,
			Line:    pids[1].Line,
			Message: fmt.Sprintf("%d PID segments present, using the first", len(pids)),
		})
	}
	pid := pids[0]

	tx := &models.Transmission{
		ReportID:    a.newID(),
		MessageType: "UNKNOWN",
	}

	// MSH is optional: its absence or malformation falls back to
	// ingestion time and an unknown message type.
	tx.ReportDate = a.now().UTC().Format(time.RFC3339)
	if msh != nil {
		if f := dec.Field(*msh, a.schema.MSHTimeField); f.Present && f.Value != "" {
			for _, layout := range mshTimeLayouts {
				if t, err := time.Parse(layout, f.Value); err == nil {
					tx.ReportDate = t.UTC().Format(time.RFC3339)
					break
				}
			}
		}
		if f := dec.Field(*msh, a.schema.MSHTypeField); f.Present && f.Value != "" {
			tx.MessageType = f.Value
		}
	}

	ids, idWarnings, err := a.extractIdentifiers(pid, dec)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, idWarnings...)

	if ids.Trivial() {
		// A transmission without any identifying attribute can
		// never be attributed; fatal in both modes.
		return nil, models.NewMalformedFieldError(hl7.TagPID, 0, pid.Line,
			"no usable patient identifiers in PID")
	}
	tx.Patient = ids

	for _, obx := range obxs {
		obs, obsWarnings, err := a.extractObservation(obx, dec)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, obsWarnings...)
		tx.Observations = append(tx.Observations, obs)
	}

	tx.Warnings = warnings
	return tx, nil
}

func (a *Assembler) extractIdentifiers(pid hl7.RawSegment, dec *hl7.Decoder) (models.PatientIdentifiers, []models.Warning, error) {
	var (
		ids      models.PatientIdentifiers
		warnings []models.Warning
	)

	// PID-3 may be a full CX value; the MRN is its first component.
	if f := dec.ComponentField(pid, a.schema.PIDMRNField); f.Present {
		raw, _ := f.Component(0)
		ids.MRN = normalize.MRN(raw)
	}

	// PID-5 splits by the Last^First^Middle convention; extra
	// components are preserved positionally.
	if f := dec.ComponentField(pid, a.schema.PIDNameField); f.Present {
		var name models.PersonName
		for i, c := range f.Components {
			switch i {
			case 0:
				name.Family = c
			case 1:
				name.Given = c
			case 2:
				name.Middle = c
			default:
				name.Extra = append(name.Extra, c)
			}
		}
		ids.Name = normalize.Name(name)
	}

	if f := dec.Field(pid, a.schema.PIDDOBField); f.Present && f.Value != "" {
		ids.DateOfBirth = normalize.DOB(f.Value)
		if ids.DateOfBirth == "" {
			if a.mode == ModeStrict {
				return models.PatientIdentifiers{}, nil, models.NewMalformedFieldError(
					hl7.TagPID, a.schema.PIDDOBField, pid.Line,
					fmt.Sprintf("unparseable date of birth %q", f.Value))
			}
			warnings = append(warnings, models.Warning{
				Segment:    hl7.TagPID,
				FieldIndex: a.schema.PIDDOBField,
				Line:       pid.Line,
				Message:    fmt.Sprintf("unparseable date of birth %q, treated as absent", f.Value),
			})
		}
	}

	return ids, warnings, nil
}

func (a *Assembler) extractObservation(obx hl7.RawSegment, dec *hl7.Decoder) (models.ClinicalObservation, []models.Warning, error) {
	var (
		obs      models.ClinicalObservation
		warnings []models.Warning
	)

	code := dec.ComponentField(obx, a.schema.OBXCodeField)
	if c, ok := code.Component(0); ok && c != "" {
		obs.Code = c
		if a.schema.IncludeCodingSystem {
			if sys, ok := code.Component(2); ok {
				obs.CodingSystem = sys
			}
		}
	} else {
		if a.mode == ModeStrict {
			return models.ClinicalObservation{}, nil, models.NewMalformedFieldError(
				hl7.TagOBX, a.schema.OBXCodeField, obx.Line, "observation code missing")
		}
		warnings = append(warnings, models.Warning{
			Segment:    hl7.TagOBX,
			FieldIndex: a.schema.OBXCodeField,
			Line:       obx.Line,
			Message:    "observation code missing, treated as absent",
		})
	}

	if f := dec.Field(obx, a.schema.OBXValueField); f.Present {
		obs.Value = f.Value
	}
	if f := dec.ComponentField(obx, a.schema.OBXUnitField); f.Present {
		obs.Unit, _ = f.Component(0)
	}
	if f := dec.Field(obx, a.schema.OBXRangeField); f.Present {
		obs.ReferenceRange = f.Value
	}
	if f := dec.Field(obx, a.schema.OBXFlagField); f.Present {
		obs.AbnormalFlag = f.Value
	}

	return obs, warnings, nil
}
