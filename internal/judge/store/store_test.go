package store_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/store"
)

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	return c
}

type submissionRow struct {
	sub   coremodel.Submission
	tests *string
}

type memDB struct {
	mu            sync.Mutex
	submissions   map[string]submissionRow
	resolves      map[string]bool
	resolveCounts map[int64]int
}

func newMemDB() *memDB {
	return &memDB{
		submissions:   make(map[string]submissionRow),
		resolves:      make(map[string]bool),
		resolveCounts: make(map[int64]int),
	}
}

func (m *memDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]submissionRow, 0, len(m.submissions))
	for _, r := range m.submissions {
		rows = append(rows, r)
	}
	return &memRows{rows: rows}, nil
}

func (m *memDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(query, "COUNT(*)") {
		return &memRow{count: len(m.submissions)}
	}
	if len(args) == 1 {
		if id, ok := args[0].(string); ok {
			if r, ok := m.submissions[id]; ok {
				return &memRow{row: &r}
			}
			return &memRow{err: sql.ErrNoRows}
		}
	}
	return &memRow{err: sql.ErrNoRows}
}

func (m *memDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(args) == 7 {
		id := args[0].(string)
		if _, exists := m.submissions[id]; exists {
			return nil, newDuplicateKeyError()
		}
		m.submissions[id] = submissionRow{sub: coremodel.Submission{
			SubmissionID:   args[0].(string),
			UserID:         args[1].(int64),
			ProblemID:      args[2].(string),
			LanguageName:   args[3].(string),
			Source:         args[4].(string),
			SubmissionTime: args[5].(time.Time),
			Status:         coremodel.Status(args[6].(string)),
		}}
		return memResult{affected: 1}, nil
	}
	// UpdateStatus: (status, score, counts, tests, submission_id)
	id := args[len(args)-1].(string)
	row, exists := m.submissions[id]
	if !exists {
		return memResult{affected: 0}, nil
	}
	row.sub.Status = coremodel.Status(args[0].(string))
	if score, ok := args[1].(*int); ok {
		row.sub.Score = score
	}
	if counts, ok := args[2].(*int); ok {
		row.sub.Counts = counts
	}
	if testsJSON, ok := args[3].(string); ok {
		row.tests = &testsJSON
	}
	m.submissions[id] = row
	return memResult{affected: 1}, nil
}

func (m *memDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(&memTx{m})
}
func (m *memDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return &memTx{m}, nil
}
func (m *memDB) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (m *memDB) Ping(ctx context.Context) error                             { return nil }
func (m *memDB) Close() error                                               { return nil }
func (m *memDB) Stats() db.Stats                                            { return db.Stats{} }
func (m *memDB) GetDB() interface{}                                         { return m }

type memTx struct{ db *memDB }

func (t *memTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return t.db.Query(ctx, query, args...)
}
func (t *memTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	problemID := args[0].(string)
	userID := args[1].(int64)
	lang := args[2].(string)
	key := problemID + "|" + lang + "|" + itoa(userID)
	if resolved, ok := t.db.resolves[key]; ok {
		return &memBoolRow{val: resolved}
	}
	return &memBoolRow{err: sql.ErrNoRows}
}
func (t *memTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if len(args) == 1 {
		userID := args[0].(int64)
		t.db.resolveCounts[userID]++
		return memResult{affected: 1}, nil
	}
	problemID := args[0].(string)
	userID := args[1].(int64)
	lang := args[2].(string)
	key := problemID + "|" + lang + "|" + itoa(userID)
	resolved := true
	if len(args) == 4 {
		resolved = args[3].(bool)
	}
	t.db.resolves[key] = resolved
	return memResult{affected: 1}, nil
}
func (t *memTx) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (t *memTx) Commit() error                                             { return nil }
func (t *memTx) Rollback() error                                          { return nil }

type memRows struct {
	rows []submissionRow
	idx  int
}

func (r *memRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *memRows) Scan(dest ...interface{}) error {
	row := r.rows[r.idx-1]
	return scanInto(row, dest)
}
func (r *memRows) Close() error                               { return nil }
func (r *memRows) Err() error                                 { return nil }
func (r *memRows) Columns() ([]string, error)                 { return nil, nil }
func (r *memRows) ColumnTypes() ([]db.ColumnType, error)       { return nil, nil }
func (r *memRows) NextResultSet() bool                        { return false }

type memRow struct {
	row   *submissionRow
	count int
	err   error
}

func (r *memRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if r.row == nil {
		*dest[0].(*int64) = int64(r.count)
		return nil
	}
	return scanInto(*r.row, dest)
}

type memBoolRow struct {
	val bool
	err error
}

func (r *memBoolRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.val
	return nil
}

func scanInto(row submissionRow, dest []interface{}) error {
	if len(dest) == 2 {
		*dest[0].(*int64) = row.sub.UserID
		*dest[1].(*string) = row.sub.ProblemID
		return nil
	}
	*dest[0].(*string) = row.sub.SubmissionID
	*dest[1].(*int64) = row.sub.UserID
	*dest[2].(*string) = row.sub.ProblemID
	*dest[3].(*string) = row.sub.LanguageName
	*dest[4].(*string) = row.sub.Source
	*dest[5].(*time.Time) = row.sub.SubmissionTime
	*dest[6].(*coremodel.Status) = row.sub.Status
	*dest[7].(**int) = row.sub.Score
	*dest[8].(**int) = row.sub.Counts
	*dest[9].(**string) = row.tests
	return nil
}

type memResult struct{ affected int64 }

func (r memResult) LastInsertId() (int64, error) { return 0, nil }
func (r memResult) RowsAffected() (int64, error) { return r.affected, nil }

// newDuplicateKeyError mimics the error the MySQL driver returns for a
// duplicate-key insert, which is what db.UniqueViolation actually inspects.
func newDuplicateKeyError() error {
	return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'submissions.PRIMARY'"}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func newTestStore(t *testing.T) (*store.Store, *memDB) {
	t.Helper()
	mdb := newMemDB()
	return store.New(db.NewStaticProvider(mdb), nil, time.Minute), mdb
}

func TestCreatePendingThenGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sub := coremodel.Submission{
		SubmissionID:   "sub-1",
		UserID:         1,
		ProblemID:      "p1",
		LanguageName:   "cpp17",
		Source:         "int main(){}",
		SubmissionTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.CreatePending(ctx, sub); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	got, err := s.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != coremodel.StatusPending {
		t.Fatalf("expected PENDING status, got %s", got.Status)
	}
	if got.ProblemID != "p1" {
		t.Fatalf("unexpected problem id: %s", got.ProblemID)
	}
}

func TestCreatePendingDuplicateIDFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sub := coremodel.Submission{SubmissionID: "dup", UserID: 1, ProblemID: "p1", LanguageName: "cpp17", SubmissionTime: time.Now()}
	if err := s.CreatePending(ctx, sub); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreatePending(ctx, sub); err == nil {
		t.Fatalf("expected duplicate submission id to fail")
	}
}

func TestGetMissingSubmission(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestUpsertResolveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := coremodel.ResolveRecord{ProblemID: "p1", UserID: 5, LanguageName: "cpp17"}
	if err := s.UpsertResolve(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertResolve(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
}

func TestUpsertResolveIncrementsResolveCountOnce(t *testing.T) {
	s, mdb := newTestStore(t)
	ctx := context.Background()
	rec := coremodel.ResolveRecord{ProblemID: "p1", UserID: 7, LanguageName: "cpp17", Resolved: true}
	if err := s.UpsertResolve(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertResolve(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got := mdb.resolveCounts[7]; got != 1 {
		t.Fatalf("expected resolve count incremented exactly once, got %d", got)
	}
}

func TestUpsertResolveNeverRegresses(t *testing.T) {
	s, mdb := newTestStore(t)
	ctx := context.Background()
	rec := coremodel.ResolveRecord{ProblemID: "p1", UserID: 9, LanguageName: "cpp17", Resolved: true}
	if err := s.UpsertResolve(ctx, rec); err != nil {
		t.Fatalf("accepted submission upsert: %v", err)
	}
	failing := coremodel.ResolveRecord{ProblemID: "p1", UserID: 9, LanguageName: "cpp17", Resolved: false}
	if err := s.UpsertResolve(ctx, failing); err != nil {
		t.Fatalf("later failing submission upsert: %v", err)
	}
	if !mdb.resolves["p1|cpp17|9"] {
		t.Fatalf("expected resolved status to remain true after a later failing submission")
	}
	if got := mdb.resolveCounts[9]; got != 1 {
		t.Fatalf("expected resolve count to stay at 1, got %d", got)
	}
}

func TestListRequiresUserOrProblemFilter(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.List(context.Background(), store.ListFilter{}); err == nil {
		t.Fatalf("expected an error when neither user_id nor problem_id is set")
	}
}

func TestListCacheInvalidatedOnUpdateStatus(t *testing.T) {
	mdb := newMemDB()
	s := store.New(db.NewStaticProvider(mdb), newTestCache(t), time.Minute)
	ctx := context.Background()

	sub1 := coremodel.Submission{SubmissionID: "sub-1", UserID: 1, ProblemID: "p1", LanguageName: "cpp17", SubmissionTime: time.Now()}
	if err := s.CreatePending(ctx, sub1); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	uid := int64(1)
	filter := store.ListFilter{UserID: &uid}
	first, err := s.List(ctx, filter)
	if err != nil {
		t.Fatalf("first list: %v", err)
	}
	if first.Total != 1 {
		t.Fatalf("expected 1 submission, got %d", first.Total)
	}

	// Mutate the backing store directly, bypassing the Store's own
	// invalidation, to prove the second List below is served from cache.
	mdb.mu.Lock()
	mdb.submissions["sub-2"] = submissionRow{sub: coremodel.Submission{
		SubmissionID: "sub-2", UserID: 1, ProblemID: "p1", LanguageName: "cpp17", SubmissionTime: time.Now(),
	}}
	mdb.mu.Unlock()

	cached, err := s.List(ctx, filter)
	if err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if cached.Total != 1 {
		t.Fatalf("expected stale cached total of 1, got %d", cached.Total)
	}

	status := coremodel.StatusSuccess
	score, counts := 10, 10
	if err := s.UpdateStatus(ctx, "sub-1", status, &score, &counts, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}

	fresh, err := s.List(ctx, filter)
	if err != nil {
		t.Fatalf("post-invalidation list: %v", err)
	}
	if fresh.Total != 2 {
		t.Fatalf("expected invalidated list to reflect both submissions, got %d", fresh.Total)
	}
}

func TestListPageBeyondLastPageIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sub := coremodel.Submission{SubmissionID: "sub-1", UserID: 1, ProblemID: "p1", LanguageName: "cpp17", SubmissionTime: time.Now()}
	if err := s.CreatePending(ctx, sub); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	uid := int64(1)
	if _, err := s.List(ctx, store.ListFilter{UserID: &uid, Page: 5, PageSize: 10}); err == nil {
		t.Fatalf("expected a page-not-found error")
	}
}
