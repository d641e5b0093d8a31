package intake_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/intake"
	"fuzoj/internal/judge/queue"
	"fuzoj/internal/judge/ratelimit"
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

// memDB is a minimal fake covering only what Store.CreatePending/Get need.
type memDB struct {
	mu          sync.Mutex
	submissions map[string]coremodel.Submission
}

func newMemDB() *memDB { return &memDB{submissions: make(map[string]coremodel.Submission)} }

func (m *memDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, sql.ErrNoRows
}

func (m *memDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := args[0].(string)
	sub, ok := m.submissions[id]
	if !ok {
		return &memRow{err: sql.ErrNoRows}
	}
	return &memRow{sub: &sub}
}

func (m *memDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := args[0].(string)
	if _, exists := m.submissions[id]; exists {
		return nil, newDuplicateKeyError()
	}
	m.submissions[id] = coremodel.Submission{
		SubmissionID:   args[0].(string),
		UserID:         args[1].(int64),
		ProblemID:      args[2].(string),
		LanguageName:   args[3].(string),
		Source:         args[4].(string),
		SubmissionTime: args[5].(time.Time),
		Status:         coremodel.Status(args[6].(string)),
	}
	return memResult{affected: 1}, nil
}

func (m *memDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(&memTx{})
}
func (m *memDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return &memTx{}, nil
}
func (m *memDB) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (m *memDB) Ping(ctx context.Context) error                             { return nil }
func (m *memDB) Close() error                                               { return nil }
func (m *memDB) Stats() db.Stats                                            { return db.Stats{} }
func (m *memDB) GetDB() interface{}                                         { return m }

type memTx struct{}

func (t *memTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, sql.ErrNoRows
}
func (t *memTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return &memRow{err: sql.ErrNoRows}
}
func (t *memTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return memResult{affected: 1}, nil
}
func (t *memTx) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (t *memTx) Commit() error                                             { return nil }
func (t *memTx) Rollback() error                                           { return nil }

type memRow struct {
	sub *coremodel.Submission
	err error
}

func (r *memRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.sub.SubmissionID
	*dest[1].(*int64) = r.sub.UserID
	*dest[2].(*string) = r.sub.ProblemID
	*dest[3].(*string) = r.sub.LanguageName
	*dest[4].(*string) = r.sub.Source
	*dest[5].(*time.Time) = r.sub.SubmissionTime
	*dest[6].(*coremodel.Status) = r.sub.Status
	*dest[7].(**int) = r.sub.Score
	*dest[8].(**int) = r.sub.Counts
	*dest[9].(**string) = nil
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

func newTestService(t *testing.T, maxPerWindow int) *intake.Service {
	t.Helper()
	c := newTestCache(t)
	limiter := ratelimit.New(c, ratelimit.Config{Window: time.Minute, MaxPerWindow: maxPerWindow})
	submissionStore := store.New(db.NewStaticProvider(newMemDB()), nil, time.Minute)
	judgeQueue := queue.New(c, queue.Config{Concurrency: 1}, func(ctx context.Context, task coremodel.Task) error { return nil })
	return intake.New(limiter, submissionStore, judgeQueue)
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	svc := newTestService(t, 3)
	_, err := svc.Submit(context.Background(), intake.SubmitInput{UserID: 1, ProblemID: "", LanguageName: "cpp17", Source: "x"})
	if err == nil {
		t.Fatalf("expected validation error for empty problem id")
	}
}

func TestSubmitSucceedsAndEnqueues(t *testing.T) {
	svc := newTestService(t, 3)
	sub, err := svc.Submit(context.Background(), intake.SubmitInput{UserID: 1, ProblemID: "p1", LanguageName: "cpp17", Source: "int main(){}"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.SubmissionID == "" {
		t.Fatalf("expected a generated submission id")
	}
	if sub.Status != coremodel.StatusPending {
		t.Fatalf("expected PENDING status, got %s", sub.Status)
	}
}

func TestSubmitDeniedByRateLimit(t *testing.T) {
	svc := newTestService(t, 1)
	in := intake.SubmitInput{UserID: 1, ProblemID: "p1", LanguageName: "cpp17", Source: "int main(){}"}
	if _, err := svc.Submit(context.Background(), in); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(context.Background(), in)
	if err == nil {
		t.Fatalf("expected rate limit rejection")
	}
}

// collidingDB rejects the first N CreatePending attempts as an ID
// collision, regardless of the generated UUID, so Submit's retry loop can
// be exercised deterministically.
type collidingDB struct {
	*memDB
	collisionsLeft int
}

func (m *collidingDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	if m.collisionsLeft > 0 {
		m.collisionsLeft--
		return nil, newDuplicateKeyError()
	}
	return m.memDB.Exec(ctx, query, args...)
}

func TestSubmitRetriesSubmissionIDOnCollision(t *testing.T) {
	c := newTestCache(t)
	limiter := ratelimit.New(c, ratelimit.Config{Window: time.Minute, MaxPerWindow: 3})
	cdb := &collidingDB{memDB: newMemDB(), collisionsLeft: 2}
	submissionStore := store.New(db.NewStaticProvider(cdb), nil, time.Minute)
	judgeQueue := queue.New(c, queue.Config{Concurrency: 1}, func(ctx context.Context, task coremodel.Task) error { return nil })
	svc := intake.New(limiter, submissionStore, judgeQueue)

	sub, err := svc.Submit(context.Background(), intake.SubmitInput{UserID: 1, ProblemID: "p1", LanguageName: "cpp17", Source: "int main(){}"})
	if err != nil {
		t.Fatalf("expected submit to succeed after retrying past collisions, got: %v", err)
	}
	if sub.SubmissionID == "" {
		t.Fatalf("expected a generated submission id")
	}
}

func TestSubmitGivesUpAfterTooManyCollisions(t *testing.T) {
	c := newTestCache(t)
	limiter := ratelimit.New(c, ratelimit.Config{Window: time.Minute, MaxPerWindow: 3})
	cdb := &collidingDB{memDB: newMemDB(), collisionsLeft: 100}
	submissionStore := store.New(db.NewStaticProvider(cdb), nil, time.Minute)
	judgeQueue := queue.New(c, queue.Config{Concurrency: 1}, func(ctx context.Context, task coremodel.Task) error { return nil })
	svc := intake.New(limiter, submissionStore, judgeQueue)

	if _, err := svc.Submit(context.Background(), intake.SubmitInput{UserID: 1, ProblemID: "p1", LanguageName: "cpp17", Source: "int main(){}"}); err == nil {
		t.Fatalf("expected submit to fail once the retry budget is exhausted")
	}
}
