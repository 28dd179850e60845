// Package directory persists patients and their committed transmissions
// in an embedded SQLite database. It exposes an immutable snapshot for
// the match engine and an atomic append-if-patient-exists commit that
// reports conflicts instead of overwriting.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/savegress/labbridge/internal/normalize"
	"github.com/savegress/labbridge/pkg/models"
)

// ErrNotFound is returned when a patient or transmission does not exist.
var ErrNotFound = errors.New("not found")

// Directory is the SQLite-backed patient directory.
type Directory struct {
	db *sql.DB
}

// New opens (or creates) the directory database under dataPath.
func New(dataPath string) (*Directory, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "labbridge.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &Directory{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *Directory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		mrn TEXT NOT NULL DEFAULT '',
		family TEXT NOT NULL DEFAULT '',
		given TEXT NOT NULL DEFAULT '',
		middle TEXT NOT NULL DEFAULT '',
		extra TEXT NOT NULL DEFAULT '[]',
		dob TEXT NOT NULL DEFAULT '',
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_patients_mrn ON patients(mrn) WHERE mrn != '';

	CREATE TABLE IF NOT EXISTS transmissions (
		report_id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		report_date TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transmissions_patient ON transmissions(patient_id, received_at);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// CreatePatient registers a patient. Identifiers are normalized on
// write so that the snapshot never needs normalization. A duplicate
// non-empty MRN is rejected as a conflict.
func (d *Directory) CreatePatient(ctx context.Context, ids models.PatientIdentifiers) (*models.PatientRecord, error) {
	ids = normalize.Identifiers(ids)
	if ids.Trivial() {
		return nil, fmt.Errorf("patient needs at least one of MRN, name or date of birth")
	}

	extra, err := json.Marshal(ids.Name.Extra)
	if err != nil {
		return nil, err
	}

	rec := &models.PatientRecord{
		PatientID:   uuid.New().String(),
		MRN:         ids.MRN,
		Name:        ids.Name,
		DateOfBirth: ids.DateOfBirth,
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO patients (id, mrn, family, given, middle, extra, dob) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PatientID, rec.MRN, rec.Name.Family, rec.Name.Given, rec.Name.Middle, string(extra), rec.DateOfBirth)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.NewDirectoryConflictError(fmt.Sprintf("MRN %s already registered", rec.MRN))
		}
		return nil, err
	}
	return rec, nil
}

// GetPatient returns one patient record.
func (d *Directory) GetPatient(ctx context.Context, patientID string) (*models.PatientRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, mrn, family, given, middle, extra, dob FROM patients WHERE id = ?`, patientID)
	return scanPatient(row)
}

// Snapshot returns every patient as an immutable slice for the match
// engine. The caller owns the result; later directory writes do not
// affect it.
func (d *Directory) Snapshot(ctx context.Context) ([]models.PatientRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, mrn, family, given, middle, extra, dob FROM patients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PatientRecord
	for rows.Next() {
		rec, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Search returns patients whose MRN or any name component contains the
// normalized query.
func (d *Directory) Search(ctx context.Context, query string) ([]models.PatientRecord, error) {
	q := "%" + strings.ToUpper(strings.TrimSpace(query)) + "%"
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, mrn, family, given, middle, extra, dob FROM patients
		 WHERE mrn LIKE ? OR family LIKE ? OR given LIKE ? OR middle LIKE ?
		 ORDER BY family, given`, q, q, q, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PatientRecord
	for rows.Next() {
		rec, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// AppendTransmission commits a transmission to a patient atomically:
// the existence check and the insert run in one transaction, so a
// vanished patient or a duplicate report surfaces as a conflict and
// nothing is stored.
func (d *Directory) AppendTransmission(ctx context.Context, patientID string, t models.Transmission) (*models.StoredTransmission, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	receivedAt := time.Now().UTC()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer sqlTx.Rollback()

	var exists int
	err = sqlTx.QueryRowContext(ctx, `SELECT COUNT(1) FROM patients WHERE id = ?`, patientID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, models.NewDirectoryConflictError(fmt.Sprintf("patient %s no longer exists", patientID))
	}

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO transmissions (report_id, patient_id, report_date, message_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ReportID, patientID, t.ReportDate, t.MessageType, string(payload), receivedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.NewDirectoryConflictError(fmt.Sprintf("report %s already committed", t.ReportID))
		}
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, models.NewDirectoryConflictError(err.Error())
	}

	return &models.StoredTransmission{
		Transmission: t,
		PatientID:    patientID,
		ReceivedAt:   receivedAt,
	}, nil
}

// GetTransmission returns one committed transmission by report ID.
func (d *Directory) GetTransmission(ctx context.Context, reportID string) (*models.StoredTransmission, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT report_id, patient_id, payload, received_at FROM transmissions WHERE report_id = ?`, reportID)
	return scanTransmission(row)
}

// ListTransmissions returns a patient's transmissions in commit order.
func (d *Directory) ListTransmissions(ctx context.Context, patientID string) ([]models.StoredTransmission, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT report_id, patient_id, payload, received_at FROM transmissions
		 WHERE patient_id = ? ORDER BY received_at, report_id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoredTransmission
	for rows.Next() {
		st, err := scanTransmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*models.PatientRecord, error) {
	var (
		rec   models.PatientRecord
		extra string
	)
	err := row.Scan(&rec.PatientID, &rec.MRN, &rec.Name.Family, &rec.Name.Given, &rec.Name.Middle, &extra, &rec.DateOfBirth)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if extra != "" && extra != "[]" {
		if err := json.Unmarshal([]byte(extra), &rec.Name.Extra); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func scanTransmission(row rowScanner) (*models.StoredTransmission, error) {
	var (
		st       models.StoredTransmission
		payload  string
		received int64
	)
	err := row.Scan(&st.ReportID, &st.PatientID, &payload, &received)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &st.Transmission); err != nil {
		return nil, err
	}
	st.ReceivedAt = time.Unix(received, 0).UTC()
	return &st, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
