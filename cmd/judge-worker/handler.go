package main

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"fuzoj/internal/judge/catalog"
	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/engine"
	"fuzoj/internal/judge/queue"
	"fuzoj/internal/judge/store"
	"fuzoj/pkg/utils/logger"
)

// newTaskHandler builds the queue.Handler that drives one dequeued task
// through problem/language resolution, judging, and status persistence.
// Rate limiting is enforced once, at intake; a task already on the queue
// always runs to completion.
func newTaskHandler(judgeEngine *engine.Engine, submissionStore *store.Store, dataSource *catalog.Source) queue.Handler {
	return func(ctx context.Context, task coremodel.Task) error {
		problem, err := dataSource.Problem(ctx, task.ProblemID)
		if err != nil {
			logger.Error(ctx, "resolve problem failed", zap.String("submissionId", task.SubmissionID), zap.Error(err))
			return markJudgeError(ctx, submissionStore, task.SubmissionID)
		}
		lang, err := dataSource.Language(ctx, task.Language)
		if err != nil {
			logger.Error(ctx, "resolve language failed", zap.String("submissionId", task.SubmissionID), zap.Error(err))
			return markJudgeError(ctx, submissionStore, task.SubmissionID)
		}

		sub := coremodel.Submission{
			SubmissionID: task.SubmissionID,
			ProblemID:    task.ProblemID,
			LanguageName: task.Language,
			Source:       task.Code,
		}
		outcome, err := judgeEngine.Judge(ctx, sub, problem, lang)
		if err != nil {
			logger.Error(ctx, "judge failed", zap.String("submissionId", task.SubmissionID), zap.Error(err))
			return markJudgeError(ctx, submissionStore, task.SubmissionID)
		}

		status := coremodel.StatusSuccess
		if outcome.Status != engine.StatusSuccess {
			status = coremodel.StatusError
		}
		score := outcome.Score
		counts := outcome.Counts
		if err := submissionStore.UpdateStatus(ctx, task.SubmissionID, status, &score, &counts, outcome.Tests); err != nil {
			return err
		}

		if status == coremodel.StatusSuccess {
			upsertResolveRecord(ctx, submissionStore, task, outcome)
		}
		return nil
	}
}

// upsertResolveRecord records whether this dispatch fully solved the
// problem. A resolve-record failure is logged, not propagated: the
// submission itself already judged and persisted successfully, so it must
// not be retried just because this bookkeeping step failed.
func upsertResolveRecord(ctx context.Context, submissionStore *store.Store, task coremodel.Task, outcome engine.Outcome) {
	userID, err := strconv.ParseInt(task.UserID, 10, 64)
	if err != nil {
		logger.Error(ctx, "parse user id for resolve record failed", zap.String("submissionId", task.SubmissionID), zap.Error(err))
		return
	}
	rec := coremodel.ResolveRecord{
		ProblemID:    task.ProblemID,
		UserID:       userID,
		LanguageName: task.Language,
		Resolved:     outcome.Score == outcome.Counts,
	}
	if err := submissionStore.UpsertResolve(ctx, rec); err != nil {
		logger.Error(ctx, "upsert resolve record failed", zap.String("submissionId", task.SubmissionID), zap.Error(err))
	}
}

func markJudgeError(ctx context.Context, submissionStore *store.Store, submissionID string) error {
	return submissionStore.UpdateStatus(ctx, submissionID, coremodel.StatusError, nil, nil, nil)
}
