package runner_test

import (
	"context"
	"testing"

	"fuzoj/internal/judge/sandbox/profile"
	"fuzoj/internal/judge/sandbox/result"
	"fuzoj/internal/judge/sandbox/runner"
	"fuzoj/internal/judge/sandbox/spec"
)

type fakeEngine struct {
	result result.RunResult
	err    error
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return f.result, f.err
}

func (f *fakeEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return nil
}

func TestRunClassifiesTimeoutAsTLE(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{result: result.RunResult{ExitCode: -1}})
	res, err := r.Run(context.Background(), runner.RunRequest{
		SubmissionID: "s1",
		TestID:       "t1",
		RunSpec:      spec.RunSpec{Cmd: []string{"/work/a.out"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Verdict != result.VerdictTLE {
		t.Fatalf("expected TLE, got %s", res.Verdict)
	}
}

func TestRunClassifiesOomAsMLE(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{result: result.RunResult{ExitCode: 0, OomKilled: true}})
	res, err := r.Run(context.Background(), runner.RunRequest{
		SubmissionID: "s1",
		TestID:       "t1",
		RunSpec:      spec.RunSpec{Cmd: []string{"/work/a.out"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Verdict != result.VerdictMLE {
		t.Fatalf("expected MLE, got %s", res.Verdict)
	}
}

func TestRunClassifiesNonzeroExitAsRE(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{result: result.RunResult{ExitCode: 1}})
	res, err := r.Run(context.Background(), runner.RunRequest{
		SubmissionID: "s1",
		TestID:       "t1",
		RunSpec:      spec.RunSpec{Cmd: []string{"/work/a.out"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Verdict != result.VerdictRE {
		t.Fatalf("expected RE, got %s", res.Verdict)
	}
}

func TestRunClassifiesCleanExitAsAC(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{result: result.RunResult{ExitCode: 0}})
	res, err := r.Run(context.Background(), runner.RunRequest{
		SubmissionID: "s1",
		TestID:       "t1",
		RunSpec:      spec.RunSpec{Cmd: []string{"/work/a.out"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Verdict != result.VerdictAC {
		t.Fatalf("expected AC, got %s", res.Verdict)
	}
}

func TestCompileSkippedWhenNotEnabled(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{})
	res, err := r.Compile(context.Background(), runner.CompileRequest{
		SubmissionID: "s1",
		Language:     profile.LanguageSpec{ID: "py3", CompileEnabled: false},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK compile result for interpreted language")
	}
}

func TestCompileFailureCapturesStderr(t *testing.T) {
	r := runner.NewRunner(&fakeEngine{result: result.RunResult{ExitCode: 1, Stderr: "syntax error"}})
	res, err := r.Compile(context.Background(), runner.CompileRequest{
		SubmissionID: "s1",
		Language:     profile.LanguageSpec{ID: "cpp17", CompileEnabled: true},
		RunSpec:      spec.RunSpec{Cmd: []string{"g++", "a.cpp"}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res.OK {
		t.Fatalf("expected compile failure")
	}
	if res.Error != "syntax error" {
		t.Fatalf("unexpected error message: %q", res.Error)
	}
}

func TestBuildCommandRestrictsPlaceholders(t *testing.T) {
	lang := profile.LanguageSpec{SourceFile: "a.cpp", BinaryFile: "a.out"}
	cmd, err := runner.BuildCommand("{exe} < {src} {unknownFlag}", "/work", lang)
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	if len(cmd) != 4 || cmd[0] != "/work/a.out" || cmd[2] != "/work/a.cpp" || cmd[3] != "{unknownFlag}" {
		t.Fatalf("unexpected expansion: %v", cmd)
	}
}
