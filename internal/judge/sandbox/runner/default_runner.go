package runner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"fuzoj/internal/judge/sandbox/engine"
	"fuzoj/internal/judge/sandbox/profile"
	"fuzoj/internal/judge/sandbox/result"
	appErr "fuzoj/pkg/errors"
)

// DefaultRunner implements compile/run workflows against a sandbox Engine.
// Verdicts here reflect execution signals only (timeout, memory, crash,
// compile failure); output comparison against the expected answer is the
// judge engine's job, not the sandbox's.
type DefaultRunner struct {
	eng engine.Engine
}

// NewRunner creates a runner backed by the given sandbox engine.
func NewRunner(eng engine.Engine) *DefaultRunner {
	return &DefaultRunner{eng: eng}
}

func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error) {
	if err := validateCompileRequest(req); err != nil {
		return result.CompileResult{}, err
	}
	if !req.Language.CompileEnabled {
		return result.CompileResult{OK: true}, nil
	}

	runRes, err := r.eng.Run(ctx, req.RunSpec)
	compileRes := result.CompileResult{
		OK:       err == nil && runRes.ExitCode == 0,
		ExitCode: runRes.ExitCode,
		TimeMs:   runRes.TimeMs,
		MemoryKB: runRes.MemoryKB,
	}
	if err != nil {
		compileRes.Error = err.Error()
		return compileRes, err
	}
	if runRes.ExitCode != 0 {
		compileRes.Error = runRes.Stderr
	}
	return compileRes, nil
}

func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (result.TestcaseResult, error) {
	if err := validateRunRequest(req); err != nil {
		return result.TestcaseResult{}, err
	}

	runRes, err := r.eng.Run(ctx, req.RunSpec)
	if err != nil {
		return result.TestcaseResult{TestID: req.TestID, Verdict: result.VerdictSE}, err
	}

	return result.TestcaseResult{
		TestID:   req.TestID,
		Verdict:  classify(runRes),
		TimeMs:   runRes.TimeMs,
		MemoryKB: runRes.MemoryKB,
		OutputKB: runRes.OutputKB,
		ExitCode: runRes.ExitCode,
		Stdout:   runRes.Stdout,
		Stderr:   runRes.Stderr,
	}, nil
}

// classify maps raw sandbox signals to a verdict without inspecting
// program output: a timeout or OOM kill always wins, a nonzero exit is a
// runtime error, and anything else is reported AC pending the judge
// engine's own output comparison.
func classify(res result.RunResult) result.Verdict {
	switch {
	case res.ExitCode == -1:
		return result.VerdictTLE
	case res.OomKilled:
		return result.VerdictMLE
	case res.ExitCode != 0:
		return result.VerdictRE
	default:
		return result.VerdictAC
	}
}

func validateCompileRequest(req CompileRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.Language.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if req.Language.CompileEnabled && len(req.RunSpec.Cmd) == 0 {
		return appErr.ValidationError("run_spec.cmd", "required")
	}
	return nil
}

func validateRunRequest(req RunRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.TestID == "" {
		return appErr.ValidationError("test_id", "required")
	}
	if len(req.RunSpec.Cmd) == 0 {
		return appErr.ValidationError("run_spec.cmd", "required")
	}
	return nil
}

// BuildCommand expands a compile/run command template. Only {src} and
// {exe} placeholders are recognized; any other brace-delimited token is
// left untouched and passed through as a literal argument, so a typo in a
// language profile shows up as a broken argument rather than vanishing.
func BuildCommand(tpl string, workDir string, lang profile.LanguageSpec) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.ReplaceAll(tpl, "{src}", filepath.Join(workDir, lang.SourceFile))
	expanded = strings.ReplaceAll(expanded, "{exe}", filepath.Join(workDir, lang.BinaryFile))
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
