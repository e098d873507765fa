package pipeline

import (
	"time"
)

// Outcome is how a step ended.
type Outcome string

const (
	Performed     Outcome = "performed"
	SkippedQuota  Outcome = "skipped-quota"
	SkippedNoData Outcome = "skipped-no-data"
	Failed        Outcome = "failed"
	Cancelled     Outcome = "cancelled"
)

// StepResult is one step's outcome. Count is the number of successful
// platform actions the step performed.
type StepResult struct {
	Step    StepKind `json:"step"`
	Outcome Outcome  `json:"outcome"`
	Count   int      `json:"count"`
	Detail  string   `json:"detail,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Report is the result of one slot run.
type Report struct {
	RunID     string        `json:"run_id"`
	Tenant    string        `json:"tenant"`
	Slot      string        `json:"slot"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps"`
}

// Count returns how many steps ended with o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Actions sums the successful platform actions of every step.
func (r Report) Actions() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Count
	}
	return n
}

// Step returns the first result for kind.
func (r Report) Step(kind StepKind) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == kind {
			return s, true
		}
	}
	return StepResult{}, false
}
