// Package engine drives one submission through compile-once/run-N-times
// execution and aggregates per-test verdicts into a final score.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/sandbox/profile"
	"fuzoj/internal/judge/sandbox/result"
	"fuzoj/internal/judge/sandbox/runner"
	"fuzoj/internal/judge/sandbox/spec"
	pkgerrors "fuzoj/pkg/errors"
)

const (
	containerWorkDir = "/work"
	inputFileName    = "input.txt"
	pointsPerTest    = 10
)

// Engine compiles a submission once and runs it against every testcase of
// a problem, producing a final status, score, and per-test breakdown.
type Engine struct {
	runner  runner.Runner
	workDir string
}

// New creates an Engine that stages submissions under workDir.
func New(r runner.Runner, workDir string) *Engine {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Engine{runner: r, workDir: workDir}
}

// Outcome is the aggregated result of judging one submission.
type Outcome struct {
	Status Status
	Score  int
	Counts int
	Tests  []coremodel.TestResult
}

// Status mirrors coremodel.Status for the judge system's own internal
// outcome. A compile error is not a distinct status: per the compile-error
// contract, it still judges as SUCCESS with every testcase marked CE.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusJudgeSystemErr Status = "JUDGE_SYSTEM_ERROR"
)

// Judge compiles sub.Source once and runs it against every testcase in
// problem, comparing stdout against each testcase's expected output.
// Resource limits fall back from the problem's override to the language's
// default when unset, per the two-level nullable merge.
func (e *Engine) Judge(ctx context.Context, sub coremodel.Submission, problem coremodel.Problem, lang coremodel.LanguageConfig) (Outcome, error) {
	workDir := filepath.Join(e.workDir, sub.SubmissionID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "create submission workdir failed")
	}
	defer os.RemoveAll(workDir)

	langSpec := profile.LanguageSpec{
		ID:             lang.Name,
		SourceFile:     "source" + lang.FileExt,
		BinaryFile:     "a.out",
		CompileEnabled: lang.CompileCmd != "",
		CompileCmdTpl:  lang.CompileCmd,
		RunCmdTpl:      lang.RunCmd,
	}
	if err := os.WriteFile(filepath.Join(workDir, langSpec.SourceFile), []byte(sub.Source), 0644); err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "write source file failed")
	}

	timeLimit, memLimit := resolveLimits(problem, lang)
	limits := spec.ResourceLimit{
		CPUTimeMs:  int64(timeLimit * 1000),
		WallTimeMs: int64(timeLimit * 1000 * 2),
		MemoryMB:   memLimit,
	}

	if langSpec.CompileEnabled {
		cmd, err := runner.BuildCommand(langSpec.CompileCmdTpl, containerWorkDir, langSpec)
		if err != nil {
			return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "build compile command failed")
		}
		compileRes, err := e.runner.Compile(ctx, runner.CompileRequest{
			SubmissionID: sub.SubmissionID,
			Language:     langSpec,
			RunSpec: spec.RunSpec{
				SubmissionID: sub.SubmissionID,
				TestID:       "compile",
				WorkDir:      workDir,
				Cmd:          cmd,
				Profile:      fmt.Sprintf("%s-compile", langSpec.ID),
				Limits:       limits,
				BindMounts:   []spec.MountSpec{{Source: workDir, Target: containerWorkDir}},
			},
		})
		if err != nil {
			return Outcome{Status: StatusJudgeSystemErr}, nil
		}
		if !compileRes.OK {
			return Outcome{Status: StatusSuccess, Score: 0, Counts: 10 * len(problem.Testcases), Tests: compileErrorTests(problem)}, nil
		}
	}

	runCmd, err := runner.BuildCommand(langSpec.RunCmdTpl, containerWorkDir, langSpec)
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "build run command failed")
	}

	tests := make([]coremodel.TestResult, 0, len(problem.Testcases))
	passed := 0

	for i, tc := range problem.Testcases {
		testID := fmt.Sprintf("t%d", i+1)
		inputPath, err := safeJoin(workDir, inputFileName)
		if err != nil {
			return Outcome{}, err
		}
		if err := os.WriteFile(inputPath, []byte(tc.Input), 0644); err != nil {
			return Outcome{}, pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "write testcase input failed")
		}

		runRes, err := e.runner.Run(ctx, runner.RunRequest{
			SubmissionID: sub.SubmissionID,
			TestID:       testID,
			Language:     langSpec,
			RunSpec: spec.RunSpec{
				SubmissionID: sub.SubmissionID,
				TestID:       testID,
				WorkDir:      workDir,
				Cmd:          runCmd,
				StdinPath:    filepath.Join(containerWorkDir, inputFileName),
				Profile:      fmt.Sprintf("%s-run", langSpec.ID),
				Limits:       limits,
				BindMounts:   []spec.MountSpec{{Source: workDir, Target: containerWorkDir}},
			},
		})
		if err != nil {
			tests = append(tests, coremodel.TestResult{Ordinal: i + 1, Verdict: coremodel.VerdictUNK})
			continue
		}

		verdict := translateVerdict(runRes.Verdict)
		if verdict == coremodel.VerdictAC && !outputsMatch(runRes.Stdout, tc.Output) {
			verdict = coremodel.VerdictWA
		}
		if verdict == coremodel.VerdictAC {
			passed++
		}
		tests = append(tests, coremodel.TestResult{
			Ordinal:  i + 1,
			Verdict:  verdict,
			WallTime: float64(runRes.TimeMs) / 1000,
			PeakRSS:  runRes.MemoryKB / 1024,
		})
	}

	return Outcome{
		Status: StatusSuccess,
		Score:  pointsPerTest * passed,
		Counts: pointsPerTest * len(problem.Testcases),
		Tests:  tests,
	}, nil
}

// compileErrorTests fills one CE result per testcase without running any
// of them: a compile error means the program never ran, so every test is
// scored zero, but the submission itself still judges to completion.
func compileErrorTests(problem coremodel.Problem) []coremodel.TestResult {
	tests := make([]coremodel.TestResult, len(problem.Testcases))
	for i := range problem.Testcases {
		tests[i] = coremodel.TestResult{Ordinal: i + 1, Verdict: coremodel.VerdictCE}
	}
	return tests
}

// resolveLimits applies the two-level nullable fallback: a problem-level
// override wins when set, otherwise the language's default applies.
func resolveLimits(problem coremodel.Problem, lang coremodel.LanguageConfig) (timeLimitSec float64, memLimitMB int64) {
	timeLimitSec = lang.DefaultTimeLimit
	if problem.TimeLimit != nil {
		timeLimitSec = *problem.TimeLimit
	}
	memLimitMB = lang.DefaultMemLimit
	if problem.MemoryLimit != nil {
		memLimitMB = *problem.MemoryLimit
	}
	return timeLimitSec, memLimitMB
}

// translateVerdict narrows the sandbox's superset verdict down to the
// judge core's literal set; output-limit-exceeded and system-error both
// collapse to UNK since neither is a first-class outcome here.
func translateVerdict(v result.Verdict) coremodel.Verdict {
	switch v {
	case result.VerdictAC:
		return coremodel.VerdictAC
	case result.VerdictWA:
		return coremodel.VerdictWA
	case result.VerdictRE:
		return coremodel.VerdictRE
	case result.VerdictCE:
		return coremodel.VerdictCE
	case result.VerdictTLE:
		return coremodel.VerdictTLE
	case result.VerdictMLE:
		return coremodel.VerdictMLE
	default:
		return coremodel.VerdictUNK
	}
}

// outputsMatch compares actual and expected output line by line, ignoring
// trailing whitespace on each line and trailing blank lines, the common
// judge convention for stdout comparison.
func outputsMatch(actual, expected string) bool {
	return normalizeOutput(actual) == normalizeOutput(expected)
}

func normalizeOutput(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func safeJoin(basePath, relPath string) (string, error) {
	if relPath == "" {
		return "", pkgerrors.ValidationError("path", "required")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("invalid relative path")
	}
	full := filepath.Join(basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("path traversal detected")
	}
	return full, nil
}
