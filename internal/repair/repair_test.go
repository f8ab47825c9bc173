package repair

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/domain"
)

const validDoc = "\\documentclass{book}\n\\begin{document}\nfixed\n\\end{document}\n"

type scriptedCompiler struct {
	outcomes []domain.CompileOutcome
	errs     []error
	sources  []string
}

func (c *scriptedCompiler) Compile(ctx context.Context, source string, assets []domain.Asset) (domain.CompileOutcome, error) {
	i := len(c.sources)
	c.sources = append(c.sources, source)
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if i < len(c.outcomes) {
		return c.outcomes[i], err
	}
	return domain.CompileOutcome{Errors: []string{fmt.Sprintf("! failure %d", i+1)}}, err
}

func TestState_Transitions(t *testing.T) {
	st := Start("src", 3)
	assert.Equal(t, PhaseCompile, st.Phase)

	st = st.AfterCompile(domain.CompileOutcome{})
	assert.Equal(t, PhaseRepair, st.Phase)
	assert.Equal(t, 1, st.Attempt)

	st = st.AfterRepair("", nil)
	assert.Equal(t, PhaseCompile, st.Phase)
	assert.Equal(t, "src", st.Source, "empty repair keeps the source")

	st = st.AfterCompile(domain.CompileOutcome{})
	st = st.AfterRepair(validDoc, nil)
	assert.Equal(t, validDoc, st.Source)
	assert.Equal(t, 1, st.Repaired)

	st = st.AfterCompile(domain.CompileOutcome{Errors: []string{"third"}})
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, []string{"third"}, st.Outcome.Errors)
}

func TestState_SuccessEndsLoop(t *testing.T) {
	st := Start("src", 3).AfterCompile(domain.CompileOutcome{Success: true})
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, 1, st.Attempt)
}

func TestStart_MinimumOneAttempt(t *testing.T) {
	assert.Equal(t, 1, Start("x", 0).Max)
}

func TestUsable(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"", false},
		{"   \n\t", false},
		{"\\section{x}", false},
		{"\\end{document}\\begin{document}", false},
		{validDoc, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Usable(tt.src), "%q", tt.src)
	}
}

func TestCompileWithRetry_RepairAlwaysFails(t *testing.T) {
	c := &scriptedCompiler{}
	repairCalls := 0
	repairFn := func(ctx context.Context, source, diagnostic string) (string, error) {
		repairCalls++
		return "", errors.New("transcoder unavailable")
	}

	res := CompileWithRetry(context.Background(), c, "orig", nil, repairFn, Options{MaxAttempts: 3})

	assert.Len(t, c.sources, 3)
	assert.Equal(t, 2, repairCalls)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Outcome.Success)
	assert.Equal(t, []string{"! failure 3"}, res.Outcome.Errors)
	assert.Equal(t, []string{"orig", "orig", "orig"}, c.sources)
}

func TestCompileWithRetry_RepairThenSuccess(t *testing.T) {
	c := &scriptedCompiler{outcomes: []domain.CompileOutcome{
		{Errors: []string{"! Undefined control sequence.\nl.3 \\foo"}},
		{Success: true, PDF: []byte("%PDF-"), PageCount: 1},
	}}
	var gotDiag string
	repairFn := func(ctx context.Context, source, diagnostic string) (string, error) {
		gotDiag = diagnostic
		return validDoc, nil
	}

	res := CompileWithRetry(context.Background(), c, "orig", nil, repairFn, Options{MaxAttempts: 3})

	require.True(t, res.Outcome.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Repaired)
	assert.Equal(t, validDoc, res.Source)
	assert.Equal(t, []string{"orig", validDoc}, c.sources)
	assert.Contains(t, gotDiag, "Undefined control sequence")
}

func TestCompileWithRetry_TransportErrorIsAFailedAttempt(t *testing.T) {
	c := &scriptedCompiler{
		errs:     []error{errors.New("connection refused")},
		outcomes: []domain.CompileOutcome{{}, {Success: true}},
	}

	res := CompileWithRetry(context.Background(), c, "orig", nil, nil, Options{MaxAttempts: 2})

	assert.True(t, res.Outcome.Success)
	assert.Equal(t, 2, res.Attempts)
}

func TestCompileWithRetry_SingleAttemptNeverRepairs(t *testing.T) {
	c := &scriptedCompiler{}
	repairFn := func(ctx context.Context, source, diagnostic string) (string, error) {
		t.Fatal("repair must not run")
		return "", nil
	}

	res := CompileWithRetry(context.Background(), c, "orig", nil, repairFn, Options{MaxAttempts: 1})

	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Outcome.Success)
}
