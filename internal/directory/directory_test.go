package directory

import (
	"context"
	"testing"

	"github.com/savegress/labbridge/pkg/models"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testTransmission(reportID string) models.Transmission {
	return models.Transmission{
		ReportID:    reportID,
		ReportDate:  "2024-01-15T08:30:00Z",
		MessageType: "ORU^R01",
		Observations: []models.ClinicalObservation{
			{Code: "GLU", Value: "105", Unit: "mg/dL"},
		},
		Patient: models.PatientIdentifiers{MRN: "MRN12345"},
	}
}

func TestCreatePatient_NormalizesOnWrite(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	rec, err := d.CreatePatient(ctx, models.PatientIdentifiers{
		MRN:         "mrn-12345",
		Name:        models.PersonName{Family: " doe ", Given: "john"},
		DateOfBirth: "05/15/1990",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec.MRN != "MRN12345" {
		t.Errorf("mrn = %q", rec.MRN)
	}
	if rec.Name.Family != "DOE" || rec.Name.Given != "JOHN" {
		t.Errorf("name = %+v", rec.Name)
	}
	if rec.DateOfBirth != "1990-05-15" {
		t.Errorf("dob = %q", rec.DateOfBirth)
	}

	got, err := d.GetPatient(ctx, rec.PatientID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MRN != rec.MRN || got.Name.Family != rec.Name.Family {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreatePatient_DuplicateMRNConflicts(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	ids := models.PatientIdentifiers{MRN: "MRN1", Name: models.PersonName{Family: "DOE"}}
	if _, err := d.CreatePatient(ctx, ids); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := d.CreatePatient(ctx, ids)
	if models.KindOf(err) != models.ErrKindDirectoryConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreatePatient_EmptyMRNsDoNotCollide(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	for _, fam := range []string{"DOE", "ROE"} {
		if _, err := d.CreatePatient(ctx, models.PatientIdentifiers{
			Name: models.PersonName{Family: fam},
		}); err != nil {
			t.Fatalf("create %s: %v", fam, err)
		}
	}

	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Errorf("got %d patients, want 2", len(snap))
	}
}

func TestSnapshot_IsDetachedFromLaterWrites(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.CreatePatient(ctx, models.PatientIdentifiers{MRN: "MRN1"}); err != nil {
		t.Fatal(err)
	}

	snap, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.CreatePatient(ctx, models.PatientIdentifiers{MRN: "MRN2"}); err != nil {
		t.Fatal(err)
	}

	if len(snap) != 1 {
		t.Errorf("snapshot mutated by later write: %d entries", len(snap))
	}
}

func TestAppendTransmission_CommitAndList(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	rec, err := d.CreatePatient(ctx, models.PatientIdentifiers{MRN: "MRN12345"})
	if err != nil {
		t.Fatal(err)
	}

	st, err := d.AppendTransmission(ctx, rec.PatientID, testTransmission("r1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if st.PatientID != rec.PatientID || st.ReceivedAt.IsZero() {
		t.Errorf("stored = %+v", st)
	}

	if _, err := d.AppendTransmission(ctx, rec.PatientID, testTransmission("r2")); err != nil {
		t.Fatal(err)
	}

	list, err := d.ListTransmissions(ctx, rec.PatientID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d transmissions, want 2", len(list))
	}
	if len(list[0].Observations) != 1 || list[0].Observations[0].Code != "GLU" {
		t.Errorf("payload round trip failed: %+v", list[0])
	}

	got, err := d.GetTransmission(ctx, "r1")
	if err != nil {
		t.Fatalf("get transmission: %v", err)
	}
	if got.MessageType != "ORU^R01" {
		t.Errorf("message type = %q", got.MessageType)
	}
}

func TestAppendTransmission_MissingPatientConflicts(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.AppendTransmission(context.Background(), "nope", testTransmission("r1"))
	if models.KindOf(err) != models.ErrKindDirectoryConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAppendTransmission_DuplicateReportConflicts(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	rec, err := d.CreatePatient(ctx, models.PatientIdentifiers{MRN: "MRN1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AppendTransmission(ctx, rec.PatientID, testTransmission("r1")); err != nil {
		t.Fatal(err)
	}

	_, err = d.AppendTransmission(ctx, rec.PatientID, testTransmission("r1"))
	if models.KindOf(err) != models.ErrKindDirectoryConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	list, err := d.ListTransmissions(ctx, rec.PatientID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("conflicting append must not store anything, got %d", len(list))
	}
}

func TestSearch(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	patients := []models.PatientIdentifiers{
		{MRN: "MRN100", Name: models.PersonName{Family: "Doe", Given: "John"}},
		{MRN: "MRN200", Name: models.PersonName{Family: "Smith", Given: "Anna"}},
	}
	for _, p := range patients {
		if _, err := d.CreatePatient(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := d.Search(ctx, "doe")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Name.Family != "DOE" {
		t.Errorf("search by name: %+v", hits)
	}

	hits, err = d.Search(ctx, "MRN2")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].MRN != "MRN200" {
		t.Errorf("search by mrn: %+v", hits)
	}
}

func TestGetPatient_NotFound(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.GetPatient(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
