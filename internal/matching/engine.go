// Package matching resolves a transmission's identifiers against an
// immutable snapshot of the patient directory. The engine is stateless,
// deterministic and side-effect-free, so any number of reports may be
// matched concurrently over the same snapshot.
package matching

import (
	"sort"

	"github.com/savegress/labbridge/internal/normalize"
	"github.com/savegress/labbridge/pkg/models"
)

// Config holds the matching weights and acceptance thresholds. Weights
// apply to the fuzzy stage only; the exact stages need none.
type Config struct {
	NameWeight float64 `json:"name_weight" yaml:"name_weight"`
	DOBWeight  float64 `json:"dob_weight" yaml:"dob_weight"`
	MRNWeight  float64 `json:"mrn_weight" yaml:"mrn_weight"`

	// AcceptThreshold is the minimum top score for a fuzzy match.
	AcceptThreshold float64 `json:"accept_threshold" yaml:"accept_threshold"`
	// TieEpsilon is the minimum margin over the runner-up; a smaller
	// margin makes the result ambiguous even above the threshold.
	TieEpsilon float64 `json:"tie_epsilon" yaml:"tie_epsilon"`
}

// DefaultConfig returns the reference policy: weights 0.5/0.3/0.2,
// threshold 0.8, tie epsilon 0.05.
func DefaultConfig() *Config {
	return &Config{
		NameWeight:      0.5,
		DOBWeight:       0.3,
		MRNWeight:       0.2,
		AcceptThreshold: 0.8,
		TieEpsilon:      0.05,
	}
}

// Outcome tags a match decision.
type Outcome string

const (
	OutcomeUnique    Outcome = "unique"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeRejected  Outcome = "rejected"
)

// Candidate is one scored directory entry.
type Candidate struct {
	Record    models.PatientRecord `json:"record"`
	Score     float64              `json:"score"`
	Breakdown map[string]float64   `json:"breakdown,omitempty"`
}

// Decision is the typed outcome of a match. Only a unique decision is
// eligible for automatic commit; ambiguous and rejected decisions
// require external resolution.
type Decision struct {
	Outcome    Outcome     `json:"outcome"`
	PatientID  string      `json:"patientId,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	BestScore  float64     `json:"bestScore"`
	Stage      int         `json:"stage"`
}

// IngestError converts a non-unique decision into its typed error, or
// nil for a unique one.
func (d Decision) IngestError() *models.IngestError {
	switch d.Outcome {
	case OutcomeAmbiguous:
		ids := make([]string, len(d.Candidates))
		for i, c := range d.Candidates {
			ids[i] = c.Record.PatientID
		}
		return models.NewAmbiguousMatchError(ids)
	case OutcomeRejected:
		return models.NewNoMatchError(d.BestScore)
	default:
		return nil
	}
}

// Engine matches transmissions against directory snapshots.
type Engine struct {
	config *Config
}

// NewEngine creates a match engine. A nil config uses the defaults.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// Match runs the three matching stages in order: exact MRN, exact
// name+DOB, then weighted fuzzy scoring. Identifiers are expected
// normalized; Match normalizes again defensively since normalization is
// idempotent.
func (e *Engine) Match(ids models.PatientIdentifiers, snapshot []models.PatientRecord) Decision {
	ids = normalize.Identifiers(ids)

	// Stage 1: exact MRN. Duplicate MRNs in the directory are always
	// surfaced, never resolved by a later stage.
	if ids.MRN != "" {
		var hits []models.PatientRecord
		for _, rec := range snapshot {
			if rec.MRN != "" && rec.MRN == ids.MRN {
				hits = append(hits, rec)
			}
		}
		if d, ok := exactDecision(hits, 1); ok {
			return d
		}
	}

	// Stage 2: exact name and date of birth.
	if !ids.Name.Empty() && ids.DateOfBirth != "" {
		name := ids.Name.String()
		var hits []models.PatientRecord
		for _, rec := range snapshot {
			if rec.DateOfBirth == ids.DateOfBirth && rec.Name.String() == name {
				hits = append(hits, rec)
			}
		}
		if d, ok := exactDecision(hits, 2); ok {
			return d
		}
	}

	return e.fuzzyMatch(ids, snapshot)
}

// exactDecision maps exact-stage hits to a decision. Zero hits fall
// through to the next stage.
func exactDecision(hits []models.PatientRecord, stage int) (Decision, bool) {
	switch len(hits) {
	case 0:
		return Decision{}, false
	case 1:
		return Decision{
			Outcome:    OutcomeUnique,
			PatientID:  hits[0].PatientID,
			Confidence: 1.0,
			BestScore:  1.0,
			Stage:      stage,
			Candidates: []Candidate{{Record: hits[0], Score: 1.0}},
		}, true
	default:
		cands := make([]Candidate, len(hits))
		for i, rec := range hits {
			cands[i] = Candidate{Record: rec, Score: 1.0}
		}
		return Decision{
			Outcome:    OutcomeAmbiguous,
			Candidates: cands,
			BestScore:  1.0,
			Stage:      stage,
		}, true
	}
}

func (e *Engine) fuzzyMatch(ids models.PatientIdentifiers, snapshot []models.PatientRecord) Decision {
	var cands []Candidate
	for _, rec := range snapshot {
		score, breakdown := e.score(ids, rec)
		if score <= 0 {
			continue
		}
		cands = append(cands, Candidate{Record: rec, Score: score, Breakdown: breakdown})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Record.PatientID < cands[j].Record.PatientID
	})

	d := Decision{Stage: 3, Candidates: cands}
	if len(cands) == 0 {
		d.Outcome = OutcomeRejected
		return d
	}

	top := cands[0].Score
	d.BestScore = top
	if top < e.config.AcceptThreshold {
		d.Outcome = OutcomeRejected
		return d
	}

	if len(cands) > 1 && top-cands[1].Score < e.config.TieEpsilon {
		// Above threshold but indistinguishable from the runner-up.
		d.Outcome = OutcomeAmbiguous
		d.Candidates = withinEpsilon(cands, top, e.config.TieEpsilon)
		return d
	}

	d.Outcome = OutcomeUnique
	d.PatientID = cands[0].Record.PatientID
	d.Confidence = top
	return d
}

// withinEpsilon keeps the candidates that tie with the top score.
func withinEpsilon(cands []Candidate, top, epsilon float64) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if top-c.Score < epsilon {
			out = append(out, c)
		}
	}
	return out
}

// score computes the weighted similarity of one candidate. When either
// side lacks an MRN the MRN term is dropped and its weight is spread
// proportionally across the remaining terms.
func (e *Engine) score(ids models.PatientIdentifiers, rec models.PatientRecord) (float64, map[string]float64) {
	breakdown := make(map[string]float64, 3)

	nameSim := nameSimilarity(ids.Name, rec.Name)
	breakdown["name"] = nameSim

	dobSim := 0.0
	if ids.DateOfBirth != "" && rec.DateOfBirth != "" && ids.DateOfBirth == rec.DateOfBirth {
		dobSim = 1.0
	}
	breakdown["dob"] = dobSim

	weights := map[string]float64{
		"name": e.config.NameWeight,
		"dob":  e.config.DOBWeight,
	}
	if ids.MRN != "" && rec.MRN != "" {
		mrnSim := stringSimilarity(ids.MRN, rec.MRN)
		if normalize.MRNIsNumeric(ids.MRN) != normalize.MRNIsNumeric(rec.MRN) {
			// A numeric-only and an alphanumeric MRN rarely refer
			// to the same issuing scheme.
			mrnSim /= 2
		}
		breakdown["mrn"] = mrnSim
		weights["mrn"] = e.config.MRNWeight
	}

	var score, total float64
	for term, w := range weights {
		score += breakdown[term] * w
		total += w
	}
	if total == 0 {
		return 0, breakdown
	}
	return score / total, breakdown
}

func nameSimilarity(a, b models.PersonName) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}
	return stringSimilarity(a.String(), b.String())
}

// stringSimilarity is 1 minus the normalized edit distance.
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(levenshteinDistance(a, b))/float64(maxLen)
}

// levenshteinDistance calculates the edit distance between two strings.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	d := make([][]int, len(s1)+1)
	for i := range d {
		d[i] = make([]int, len(s2)+1)
	}
	for i := 0; i <= len(s1); i++ {
		d[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		d[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			d[i][j] = min3(
				d[i-1][j]+1,      // deletion
				d[i][j-1]+1,      // insertion
				d[i-1][j-1]+cost, // substitution
			)
		}
	}

	return d[len(s1)][len(s2)]
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}
