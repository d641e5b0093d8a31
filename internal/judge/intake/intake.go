// Package intake is the thin submission entry point: it checks the rate
// limiter, creates a pending submission row, enqueues a judge task, and
// otherwise does no business logic of its own.
package intake

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/queue"
	"fuzoj/internal/judge/ratelimit"
	"fuzoj/internal/judge/store"
	appErr "fuzoj/pkg/errors"
)

// maxSubmissionIDAttempts bounds the UUID-collision retry loop in Submit.
// A UUIDv4 collision is astronomically unlikely; this only guards against
// a pathological run of bad luck turning into an unbounded retry.
const maxSubmissionIDAttempts = 5

// Service wires the rate limiter, submission store, and judge queue into
// the single create_submission operation the HTTP surface exposes.
type Service struct {
	limiter *ratelimit.Limiter
	store   *store.Store
	queue   *queue.Queue
}

// New creates an intake Service.
func New(limiter *ratelimit.Limiter, submissionStore *store.Store, judgeQueue *queue.Queue) *Service {
	return &Service{limiter: limiter, store: submissionStore, queue: judgeQueue}
}

// SubmitInput is the caller-supplied payload for a new submission.
type SubmitInput struct {
	UserID       int64
	ProblemID    string
	LanguageName string
	Source       string
}

// Submit validates input, reserves a slot in the user's rate-limit
// window, persists a PENDING submission, and enqueues it for judging.
// The submission id is generated here, not by the caller, so a retried
// request with the same payload always becomes a distinct submission;
// de-duplication is not part of this contract.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (coremodel.Submission, error) {
	if err := validateSubmitInput(in); err != nil {
		return coremodel.Submission{}, err
	}

	allowed, err := s.limiter.Reserve(ctx, in.UserID)
	if err != nil {
		return coremodel.Submission{}, err
	}
	if !allowed {
		return coremodel.Submission{}, appErr.New(appErr.SubmitTooFrequently)
	}

	sub := coremodel.Submission{
		UserID:       in.UserID,
		ProblemID:    in.ProblemID,
		LanguageName: in.LanguageName,
		Source:       in.Source,
		Status:       coremodel.StatusPending,
	}

	for attempt := 0; attempt < maxSubmissionIDAttempts; attempt++ {
		sub.SubmissionID = uuid.NewString()
		err = s.store.CreatePending(ctx, sub)
		if err == nil {
			break
		}
		if !isSubmissionIDCollision(err) {
			return coremodel.Submission{}, err
		}
	}
	if err != nil {
		return coremodel.Submission{}, err
	}

	if err := s.queue.EnqueueJudge(ctx, sub.SubmissionID, sub.ProblemID, formatUserID(sub.UserID), sub.LanguageName, sub.Source); err != nil {
		return coremodel.Submission{}, err
	}

	return sub, nil
}

// Rejudge enqueues an existing submission for re-execution without
// creating a new submission row or consuming a rate-limit slot: rejudges
// are an operator action, not user-initiated traffic.
func (s *Service) Rejudge(ctx context.Context, submissionID string) error {
	sub, err := s.store.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	return s.queue.EnqueueRejudge(ctx, sub.SubmissionID, sub.ProblemID, formatUserID(sub.UserID), sub.LanguageName, sub.Source)
}

// Status returns the current lifecycle state and, once judged, the
// per-test breakdown for one submission.
func (s *Service) Status(ctx context.Context, submissionID string) (coremodel.Submission, error) {
	return s.store.GetWithTests(ctx, submissionID)
}

// List returns a page of submissions matching the given filter.
func (s *Service) List(ctx context.Context, filter store.ListFilter) (store.ListResult, error) {
	return s.store.List(ctx, filter)
}

func validateSubmitInput(in SubmitInput) error {
	if strings.TrimSpace(in.ProblemID) == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(in.LanguageName) == "" {
		return appErr.ValidationError("language_name", "required")
	}
	if strings.TrimSpace(in.Source) == "" {
		return appErr.ValidationError("source", "required")
	}
	if in.UserID <= 0 {
		return appErr.ValidationError("user_id", "required")
	}
	return nil
}

func formatUserID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// isSubmissionIDCollision reports whether err is the store's "submission id
// already exists" conflict, the only CreatePending failure worth retrying
// with a fresh UUID; any other failure (store unavailable, bad input) is
// returned to the caller immediately.
func isSubmissionIDCollision(err error) bool {
	if !appErr.Is(err, appErr.SubmissionCreateFailed) {
		return false
	}
	return strings.Contains(appErr.GetError(err).Message, "already exists")
}
