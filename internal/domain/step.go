package domain

import "fmt"

// Step is a pipeline state. Steps advance strictly forward; any step may
// branch to StepFailed.
type Step string

const (
	StepQueued           Step = "queued"
	StepParsing          Step = "parsing"
	StepParsed           Step = "parsed"
	StepAnalyzing        Step = "analyzing"
	StepAnalyzed         Step = "analyzed"
	StepPreparingAssets  Step = "preparing_assets"
	StepAssetsReady      Step = "assets_ready"
	StepGeneratingMarkup Step = "generating_markup"
	StepMarkupGenerated  Step = "markup_generated"
	StepCompiling        Step = "compiling"
	StepCompiled         Step = "compiled"
	StepValidating       Step = "validating"
	StepValidated        Step = "validated"
	StepStoring          Step = "storing"
	StepCompleted        Step = "completed"
	StepFailed           Step = "failed"
)

// stepOrder lists the forward sequence with the progress reached on entry.
var stepOrder = []struct {
	step     Step
	progress int
}{
	{StepQueued, 0},
	{StepParsing, 5},
	{StepParsed, 10},
	{StepAnalyzing, 15},
	{StepAnalyzed, 20},
	{StepPreparingAssets, 25},
	{StepAssetsReady, 30},
	{StepGeneratingMarkup, 35},
	{StepMarkupGenerated, 60},
	{StepCompiling, 65},
	{StepCompiled, 80},
	{StepValidating, 85},
	{StepValidated, 90},
	{StepStoring, 95},
	{StepCompleted, 100},
}

// transitions is the closed transition table.
var transitions = func() map[Step]Step {
	t := make(map[Step]Step, len(stepOrder))
	for i := 0; i+1 < len(stepOrder); i++ {
		t[stepOrder[i].step] = stepOrder[i+1].step
	}
	return t
}()

// Next returns the step that follows s in the forward order.
func (s Step) Next() (Step, bool) {
	n, ok := transitions[s]
	return n, ok
}

// Progress returns the progress percentage reached when entering s.
func (s Step) Progress() int {
	for _, e := range stepOrder {
		if e.step == s {
			return e.progress
		}
	}
	return 0
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	if s == StepFailed {
		return true
	}
	for _, e := range stepOrder {
		if e.step == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends a run.
func (s Step) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Step) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StepFailed {
		return from.Valid()
	}
	next, ok := transitions[from]
	return ok && next == to
}

// ValidateTransition returns an error for transitions not in the table.
func ValidateTransition(from, to Step) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Steps returns the forward sequence of steps.
func Steps() []Step {
	out := make([]Step, len(stepOrder))
	for i, e := range stepOrder {
		out[i] = e.step
	}
	return out
}
