// Package ingest runs the report pipeline end to end:
// Received -> Tokenized -> Assembled -> Matched. Each stage advances
// only on success; any failure halts at the current state and returns
// a typed error with no partial external commit.
package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/savegress/labbridge/internal/audit"
	"github.com/savegress/labbridge/internal/hl7"
	"github.com/savegress/labbridge/internal/matching"
	"github.com/savegress/labbridge/internal/report"
	"github.com/savegress/labbridge/pkg/models"
)

// State is the pipeline position a report reached.
type State string

const (
	StateReceived  State = "received"
	StateTokenized State = "tokenized"
	StateAssembled State = "assembled"
	StateMatched   State = "matched"
)

// Directory is the slice of the patient directory the pipeline needs:
// a read-only snapshot for matching and the atomic commit.
type Directory interface {
	Snapshot(ctx context.Context) ([]models.PatientRecord, error)
	AppendTransmission(ctx context.Context, patientID string, t models.Transmission) (*models.StoredTransmission, error)
}

// Result is the outcome of processing one report. Err is set whenever
// the pipeline halted before an automatic commit; Decision is present
// from the matched state on, so ambiguous candidates stay available
// for manual resolution.
type Result struct {
	State        State                      `json:"state"`
	Transmission *models.Transmission       `json:"transmission,omitempty"`
	Decision     *matching.Decision         `json:"decision,omitempty"`
	Stored       *models.StoredTransmission `json:"stored,omitempty"`
	Warnings     []models.Warning           `json:"warnings,omitempty"`
	Err          *models.IngestError        `json:"error,omitempty"`
}

// Committed reports whether the transmission was stored.
func (r *Result) Committed() bool { return r.Stored != nil }

// Options configures a pipeline.
type Options struct {
	Mode        report.Mode
	Schema      report.Schema
	MatchConfig *matching.Config
}

// Pipeline processes reports synchronously, one logical worker per
// report. It holds no per-report state, so concurrent Process calls
// are safe: matching reads an immutable snapshot and appends are
// serialized by the directory.
type Pipeline struct {
	dir      Directory
	auditLog *audit.Logger
	engine   *matching.Engine
	mode     report.Mode
	schema   report.Schema
}

// NewPipeline creates a pipeline. A nil audit logger disables auditing.
func NewPipeline(dir Directory, auditLog *audit.Logger, opts Options) *Pipeline {
	schema := opts.Schema
	if schema == (report.Schema{}) {
		schema = report.DefaultSchema()
	}
	return &Pipeline{
		dir:      dir,
		auditLog: auditLog,
		engine:   matching.NewEngine(opts.MatchConfig),
		mode:     opts.Mode,
		schema:   schema,
	}
}

func (p *Pipeline) record(e audit.Event) {
	if p.auditLog != nil {
		p.auditLog.Record(e)
	}
}

// Process runs one report through the full pipeline, committing to the
// directory only on a unique match.
func (p *Pipeline) Process(ctx context.Context, raw []byte, format models.SourceFormat, actor string) *Result {
	return p.run(ctx, raw, format, actor, true)
}

// Preview runs one report through tokenizing, assembly and matching
// without committing anything, so ambiguous and rejected outcomes can
// be inspected safely.
func (p *Pipeline) Preview(ctx context.Context, raw []byte, format models.SourceFormat, actor string) *Result {
	return p.run(ctx, raw, format, actor, false)
}

func (p *Pipeline) run(ctx context.Context, raw []byte, format models.SourceFormat, actor string, commit bool) *Result {
	res := &Result{State: StateReceived}
	p.record(audit.Event{Type: audit.EventReportReceived, Actor: actor, Outcome: "ok", Detail: string(format)})

	text := string(raw)
	if strings.TrimSpace(text) == "" {
		res.Err = models.NewIOError("empty source")
		return res
	}
	if format == models.SourceFormatPDFText {
		text = normalizeExtractedText(text)
	}

	tok := hl7.NewTokenizer()
	segs, warnings, err := tok.Tokenize(text)
	if err != nil {
		res.Err = asIngestError(err)
		return res
	}
	res.State = StateTokenized
	res.Warnings = append(res.Warnings, warnings...)

	dec := hl7.NewDecoder(tok.Separators())
	assembler := report.NewAssembler(p.mode, p.schema)
	tx, err := assembler.Assemble(segs, dec)
	if err != nil {
		res.Err = asIngestError(err)
		return res
	}
	res.State = StateAssembled
	res.Transmission = tx
	res.Warnings = append(res.Warnings, tx.Warnings...)
	p.record(audit.Event{Type: audit.EventReportAssembled, Actor: actor, ReportID: tx.ReportID, Outcome: "ok"})

	if err := ctx.Err(); err != nil {
		// Cancelled at the boundary: discard all partial state.
		res.Err = models.NewIOError("cancelled: " + err.Error())
		return res
	}

	snapshot, err := p.dir.Snapshot(ctx)
	if err != nil {
		res.Err = models.NewIOError("directory snapshot: " + err.Error())
		return res
	}

	decision := p.engine.Match(tx.Patient, snapshot)
	res.State = StateMatched
	res.Decision = &decision
	p.record(audit.Event{
		Type:      audit.EventReportMatched,
		Actor:     actor,
		ReportID:  tx.ReportID,
		PatientID: decision.PatientID,
		Outcome:   string(decision.Outcome),
	})

	if decision.Outcome != matching.OutcomeUnique {
		// Ambiguous and rejected outcomes always go back to the
		// caller; the pipeline never guesses.
		res.Err = decision.IngestError()
		p.record(audit.Event{Type: audit.EventReportRejected, Actor: actor, ReportID: tx.ReportID, Outcome: string(decision.Outcome)})
		return res
	}

	if !commit {
		return res
	}

	stored, err := p.dir.AppendTransmission(ctx, decision.PatientID, *tx)
	if err != nil {
		res.Err = asIngestError(err)
		p.record(audit.Event{Type: audit.EventReportRejected, Actor: actor, ReportID: tx.ReportID, PatientID: decision.PatientID, Outcome: "conflict"})
		return res
	}
	res.Stored = stored
	p.record(audit.Event{Type: audit.EventReportCommitted, Actor: actor, ReportID: tx.ReportID, PatientID: decision.PatientID, Outcome: "ok"})
	return res
}

// ProcessBatch ingests several reports concurrently. Results keep the
// input order. Concurrency is safe because matching is pure over one
// snapshot per report and directory appends are serialized.
func (p *Pipeline) ProcessBatch(ctx context.Context, reports [][]byte, format models.SourceFormat, actor string, workers int) []*Result {
	if workers <= 0 {
		workers = 4
	}
	results := make([]*Result, len(reports))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, raw := range reports {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, raw []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.Process(ctx, raw, format, actor)
		}(i, raw)
	}
	wg.Wait()
	return results
}

// normalizeExtractedText strips PDF extraction artifacts so the text
// can flow through the same segment-shaped pipeline: form feeds become
// line breaks and page-furniture lines are dropped.
func normalizeExtractedText(text string) string {
	text = strings.ReplaceAll(text, "\f", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isPageFurniture(trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func isPageFurniture(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "page ") && !strings.Contains(line, "|")
}

func asIngestError(err error) *models.IngestError {
	if ie, ok := err.(*models.IngestError); ok {
		return ie
	}
	return models.NewIOError(err.Error())
}
