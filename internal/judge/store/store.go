// Package store persists submissions and resolve records: create_pending,
// get, get_with_tests, update_status, list, and upsert_resolve.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/cachecoord"
	"fuzoj/internal/judge/coremodel"
	pkgerrors "fuzoj/pkg/errors"
)

const (
	submissionCacheKeyPrefix = "submission:"
	defaultSubmissionTTL     = 30 * time.Minute
	listCachePrefix          = "submission:list"
	listQueryKind            = "submission_list"
)

// Store is the durable submission record and resolve-record keeper.
type Store struct {
	dbProvider db.Provider
	cache      cache.Cache
	ttl        time.Duration
	coord      *cachecoord.Coordinator
}

// New creates a Store backed by the given database provider and an optional
// cache client (nil disables read-through caching).
func New(provider db.Provider, cacheClient cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultSubmissionTTL
	}
	return &Store{
		dbProvider: provider,
		cache:      cacheClient,
		ttl:        ttl,
		coord:      cachecoord.New(cacheClient, listCachePrefix, ttl),
	}
}

// CreatePending inserts a submission row in PENDING status with a caller
// supplied submission ID. It returns a structured conflict error if the ID
// is already taken, so callers can retry with a fresh ID.
func (s *Store) CreatePending(ctx context.Context, sub coremodel.Submission) error {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	query := `
		INSERT INTO submissions (submission_id, user_id, problem_id, language_name, source, submission_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = database.Exec(ctx, query, sub.SubmissionID, sub.UserID, sub.ProblemID, sub.LanguageName, sub.Source, sub.SubmissionTime, string(coremodel.StatusPending))
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return pkgerrors.New(pkgerrors.SubmissionCreateFailed).WithMessage("submission id already exists")
		}
		return pkgerrors.Wrapf(err, pkgerrors.SubmissionCreateFailed, "create pending submission failed")
	}
	s.invalidateListCaches(ctx, sub.UserID, sub.ProblemID)
	return nil
}

// Get returns a submission's header fields without its per-test results.
func (s *Store) Get(ctx context.Context, submissionID string) (coremodel.Submission, error) {
	if s.cache != nil {
		if cached, ok, err := s.getCached(ctx, submissionID); err == nil && ok {
			return cached, nil
		}
	}
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return coremodel.Submission{}, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	sub, err := s.getFromDB(ctx, database, submissionID, false)
	if err != nil {
		return coremodel.Submission{}, err
	}
	s.setCache(ctx, sub)
	return sub, nil
}

// GetWithTests returns a submission including its per-test verdicts.
func (s *Store) GetWithTests(ctx context.Context, submissionID string) (coremodel.Submission, error) {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return coremodel.Submission{}, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	return s.getFromDB(ctx, database, submissionID, true)
}

func (s *Store) getFromDB(ctx context.Context, database db.Database, submissionID string, withTests bool) (coremodel.Submission, error) {
	if submissionID == "" {
		return coremodel.Submission{}, pkgerrors.ValidationError("submission_id", "required")
	}
	query := `
		SELECT submission_id, user_id, problem_id, language_name, source, submission_time, status, score, counts, tests
		FROM submissions
		WHERE submission_id = ?
		LIMIT 1
	`
	row := database.QueryRow(ctx, query, submissionID)
	sub, testsJSON, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return coremodel.Submission{}, pkgerrors.New(pkgerrors.SubmissionNotFound).WithMessage("submission not found")
		}
		return coremodel.Submission{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "get submission failed")
	}
	if withTests && testsJSON != "" {
		var tests []coremodel.TestResult
		if err := json.Unmarshal([]byte(testsJSON), &tests); err != nil {
			return coremodel.Submission{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode test results failed")
		}
		sub.Tests = tests
	}
	return sub, nil
}

// UpdateStatus transitions a submission to a terminal or intermediate
// status, optionally recording its score, test count, and per-test results.
func (s *Store) UpdateStatus(ctx context.Context, submissionID string, status coremodel.Status, score, counts *int, tests []coremodel.TestResult) error {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	var testsJSON interface{}
	if tests != nil {
		data, err := json.Marshal(tests)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.JudgeSystemError, "encode test results failed")
		}
		testsJSON = string(data)
	}
	query := `
		UPDATE submissions
		SET status = ?, score = ?, counts = ?, tests = ?
		WHERE submission_id = ?
	`
	res, err := database.Exec(ctx, query, string(status), score, counts, testsJSON, submissionID)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "update submission status failed")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return pkgerrors.New(pkgerrors.SubmissionNotFound).WithMessage("submission not found")
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, submissionCacheKey(submissionID))
	}
	var userID int64
	var problemID string
	if err := database.QueryRow(ctx, "SELECT user_id, problem_id FROM submissions WHERE submission_id = ?", submissionID).Scan(&userID, &problemID); err == nil {
		s.invalidateListCaches(ctx, userID, problemID)
	}
	return nil
}

// invalidateListCaches drops every cached List response that depended on
// this user or this problem, so a new or re-judged submission shows up on
// the next page load instead of waiting out the cache TTL.
func (s *Store) invalidateListCaches(ctx context.Context, userID int64, problemID string) {
	if s.coord == nil {
		return
	}
	_ = s.coord.Invalidate(ctx, cachecoord.EntityRef{Kind: "user", Field: "id", Value: fmt.Sprintf("%d", userID)})
	_ = s.coord.Invalidate(ctx, cachecoord.EntityRef{Kind: "problem", Field: "id", Value: problemID})
}

// ListFilter narrows a submission listing. At least one of UserID or
// ProblemID must be set: an unscoped listing would force a full table scan.
type ListFilter struct {
	UserID    *int64
	ProblemID string
	Status    coremodel.Status
	Page      int
	PageSize  int
}

// ListResult is one page of submissions plus the total matching row count.
type ListResult struct {
	Items      []coremodel.Submission
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

// List returns one page of submission headers matching filter, most recent
// first.
func (s *Store) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	if filter.UserID == nil && filter.ProblemID == "" {
		return ListResult{}, pkgerrors.ValidationError("filter", "at least one of user_id or problem_id is required")
	}
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return ListResult{}, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	cacheFilters := map[string]string{}
	var deps []cachecoord.EntityRef
	if filter.UserID != nil {
		cacheFilters["user_id"] = fmt.Sprintf("%d", *filter.UserID)
		deps = append(deps, cachecoord.EntityRef{Kind: "user", Field: "id", Value: cacheFilters["user_id"]})
	}
	if filter.ProblemID != "" {
		cacheFilters["problem_id"] = filter.ProblemID
		deps = append(deps, cachecoord.EntityRef{Kind: "problem", Field: "id", Value: filter.ProblemID})
	}
	if filter.Status != "" {
		cacheFilters["status"] = string(filter.Status)
	}
	cacheKey := s.coord.QueryKey(listQueryKind, cacheFilters, filter.Page, filter.PageSize, "")
	if cached, ok, err := s.coord.Get(ctx, cacheKey); err == nil && ok {
		var result ListResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return result, nil
		}
	}

	var conds []string
	var args []interface{}
	if filter.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.ProblemID != "" {
		conds = append(conds, "problem_id = ?")
		args = append(args, filter.ProblemID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM submissions %s", where)
	var total int64
	if err := database.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "count submissions failed")
	}

	totalPages := int(total) / filter.PageSize
	if int(total)%filter.PageSize != 0 {
		totalPages++
	}
	if total > 0 && filter.Page > totalPages {
		return ListResult{}, pkgerrors.New(pkgerrors.NotFound).WithMessage("page not found")
	}

	listQuery := fmt.Sprintf(`
		SELECT submission_id, user_id, problem_id, language_name, source, submission_time, status, score, counts, tests
		FROM submissions %s
		ORDER BY submission_time DESC
		LIMIT ? OFFSET ?
	`, where)
	listArgs := append(append([]interface{}{}, args...), filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := database.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "list submissions failed")
	}
	defer rows.Close()

	items := make([]coremodel.Submission, 0, filter.PageSize)
	for rows.Next() {
		sub, _, err := scanSubmissionRows(rows)
		if err != nil {
			return ListResult{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "scan submission failed")
		}
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "iterate submissions failed")
	}

	result := ListResult{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize, TotalPages: totalPages}
	if body, err := json.Marshal(result); err == nil {
		_ = s.coord.Put(ctx, cacheKey, string(body), deps)
	}
	return result, nil
}

// UpsertResolve records whether (problemID, userID, languageName) is
// resolved, inside a transaction that row-locks the existing record (if
// any) so concurrent dispatch completions for the same user/problem/
// language cannot race each other into duplicate inserts. Resolved never
// regresses from true back to false: a later failing resubmission just
// leaves a prior AC's resolved status alone. The user's resolve count is
// incremented exactly once, on the transition into resolved=true.
func (s *Store) UpsertResolve(ctx context.Context, rec coremodel.ResolveRecord) error {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "submission store unavailable")
	}
	return database.Transaction(ctx, func(tx db.Transaction) error {
		var resolved bool
		selectQuery := `
			SELECT resolved FROM resolve_records
			WHERE problem_id = ? AND user_id = ? AND language_name = ?
			FOR UPDATE
		`
		err := tx.QueryRow(ctx, selectQuery, rec.ProblemID, rec.UserID, rec.LanguageName).Scan(&resolved)
		switch {
		case err == nil:
			if resolved || !rec.Resolved {
				return nil
			}
			_, err = tx.Exec(ctx, `
				UPDATE resolve_records SET resolved = TRUE
				WHERE problem_id = ? AND user_id = ? AND language_name = ?
			`, rec.ProblemID, rec.UserID, rec.LanguageName)
			if err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "update resolve record failed")
			}
			return incrementResolveCount(ctx, tx, rec.UserID)
		case db.IsNoRows(err):
			_, err = tx.Exec(ctx, `
				INSERT INTO resolve_records (problem_id, user_id, language_name, resolved)
				VALUES (?, ?, ?, ?)
			`, rec.ProblemID, rec.UserID, rec.LanguageName, rec.Resolved)
			if err != nil {
				if _, ok := db.UniqueViolation(err); ok {
					// Lost the insert race to a concurrent resolve; the
					// other transaction already recorded it.
					return nil
				}
				return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "insert resolve record failed")
			}
			if !rec.Resolved {
				return nil
			}
			return incrementResolveCount(ctx, tx, rec.UserID)
		default:
			return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "read resolve record failed")
		}
	})
}

func incrementResolveCount(ctx context.Context, tx db.Transaction, userID int64) error {
	_, err := tx.Exec(ctx, `UPDATE users SET resolve_count = resolve_count + 1 WHERE id = ?`, userID)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "increment resolve count failed")
	}
	return nil
}

func (s *Store) getCached(ctx context.Context, submissionID string) (coremodel.Submission, bool, error) {
	val, err := s.cache.Get(ctx, submissionCacheKey(submissionID))
	if err != nil || val == "" || val == cache.NullCacheValue {
		return coremodel.Submission{}, false, err
	}
	var sub coremodel.Submission
	if err := json.Unmarshal([]byte(val), &sub); err != nil {
		return coremodel.Submission{}, false, err
	}
	return sub, true, nil
}

func (s *Store) setCache(ctx context.Context, sub coremodel.Submission) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, submissionCacheKey(sub.SubmissionID), string(data), s.ttl)
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

func scanSubmission(row db.Row) (coremodel.Submission, string, error) {
	var sub coremodel.Submission
	var testsJSON *string
	if err := row.Scan(&sub.SubmissionID, &sub.UserID, &sub.ProblemID, &sub.LanguageName, &sub.Source, &sub.SubmissionTime, &sub.Status, &sub.Score, &sub.Counts, &testsJSON); err != nil {
		return coremodel.Submission{}, "", err
	}
	if testsJSON != nil {
		return sub, *testsJSON, nil
	}
	return sub, "", nil
}

func scanSubmissionRows(rows db.Rows) (coremodel.Submission, string, error) {
	var sub coremodel.Submission
	var testsJSON *string
	if err := rows.Scan(&sub.SubmissionID, &sub.UserID, &sub.ProblemID, &sub.LanguageName, &sub.Source, &sub.SubmissionTime, &sub.Status, &sub.Score, &sub.Counts, &testsJSON); err != nil {
		return coremodel.Submission{}, "", err
	}
	if testsJSON != nil {
		return sub, *testsJSON, nil
	}
	return sub, "", nil
}
