// Package coremodel defines the data model shared by the judge core:
// submissions, their per-test results, resolve records, and the
// read-only problem/language lookups the judge engine consumes.
package coremodel

import "time"

// Verdict is the classified outcome of one testcase execution.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictRE  Verdict = "RE"
	VerdictCE  Verdict = "CE"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictUNK Verdict = "UNK"
)

// Status is a submission's lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Role is a user's privilege level.
type Role string

const (
	RoleUser    Role = "USER"
	RoleAdmin   Role = "ADMIN"
	RoleBanned  Role = "BANNED"
)

// TestResult is one testcase's outcome, persisted alongside its submission.
type TestResult struct {
	Ordinal  int     // 1-based
	Verdict  Verdict
	WallTime float64 // seconds
	PeakRSS  int64   // MiB
}

// Submission is one judged (or pending) attempt at a problem.
type Submission struct {
	SubmissionID   string
	UserID         int64
	ProblemID      string
	LanguageName   string
	Source         string
	SubmissionTime time.Time
	Status         Status
	Score          *int // nil iff Status is PENDING or ERROR
	Counts         *int
	Tests          []TestResult
}

// ResolveRecord tracks whether a user has ever fully solved a problem in a
// given language.
type ResolveRecord struct {
	ProblemID    string
	UserID       int64
	LanguageName string
	Resolved     bool
}

// User is the judge engine's read-only view of an account's counters.
type User struct {
	ID            int64
	Username      string
	Role          Role
	SubmitCount   int64
	ResolveCount  int64
}

// Testcase is one input/expected-output pair belonging to a Problem.
type Testcase struct {
	Input  string
	Output string
}

// Problem is the judge engine's read-only view of a problem's testcases
// and optional per-problem resource overrides.
type Problem struct {
	ProblemID   string
	Testcases   []Testcase
	TimeLimit   *float64 // seconds
	MemoryLimit *int64   // MiB
}

// LanguageConfig is the judge engine's read-only view of a supported
// language's compile/run recipe and default resource limits.
type LanguageConfig struct {
	Name             string
	FileExt          string
	CompileCmd       string // template with {src} {exe}; empty if no compile step
	RunCmd           string // template with {src} {exe}
	DefaultTimeLimit float64 // seconds
	DefaultMemLimit  int64   // MiB
	SandboxImage     string
}

// TaskType distinguishes a fresh judge from a rejudge of an existing
// submission.
type TaskType string

const (
	TaskJudge   TaskType = "judge"
	TaskRejudge TaskType = "rejudge"
)

// Task is one unit of queued judge work, matching the wire schema in
// the external-interfaces section: type, submission_id, problem_id,
// user_id, language, code.
type Task struct {
	Type         TaskType `json:"type"`
	SubmissionID string   `json:"submission_id"`
	ProblemID    string   `json:"problem_id"`
	UserID       string   `json:"user_id"`
	Language     string   `json:"language"`
	Code         string   `json:"code"`
}
