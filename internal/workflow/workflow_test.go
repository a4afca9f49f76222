package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"expense-backend/internal/apperr"
	"expense-backend/internal/audit"
	"expense-backend/internal/database"
	"expense-backend/internal/extraction"
	"expense-backend/internal/lifecycle"
	"expense-backend/internal/locker"
	"expense-backend/internal/models"
	"expense-backend/internal/reconcile"
	"expense-backend/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ttl         = 15 * time.Minute
	callbackURL = "https://claims.example.com/api/extraction/callback"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeExtractor struct {
	mu   sync.Mutex
	reqs []extraction.Request
	err  error
}

func (f *fakeExtractor) Submit(_ context.Context, req extraction.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeExtractor) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeExtractor) last() extraction.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// spyStore counts reads and writes and can inject write failures.
type spyStore struct {
	Store
	reads    atomic.Int32
	writes   atomic.Int32
	applyErr error

	staleExtra []uuid.UUID
}

func (s *spyStore) GetExpense(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	s.reads.Add(1)
	return s.Store.GetExpense(ctx, id)
}

// ListStaleExtractions also reports staleExtra, as a lagging read replica would.
func (s *spyStore) ListStaleExtractions(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	ids, err := s.Store.ListStaleExtractions(ctx, before)
	if err != nil {
		return nil, err
	}
	return append(ids, s.staleExtra...), nil
}

func (s *spyStore) Apply(ctx context.Context, m store.Mutation) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.writes.Add(1)
	return s.Store.Apply(ctx, m)
}

type harness struct {
	svc   *Service
	db    *gorm.DB
	store *spyStore
	ext   *fakeExtractor
	clock *clock

	employee lifecycle.Actor
	manager  lifecycle.Actor
	admin    lifecycle.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	h := &harness{
		db:       db,
		store:    &spyStore{Store: store.New(db)},
		ext:      &fakeExtractor{},
		clock:    &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
		employee: lifecycle.Actor{ID: uuid.New(), Role: models.RoleEmployee, Name: "erin"},
		manager:  lifecycle.Actor{ID: uuid.New(), Role: models.RoleManager, Name: "morgan"},
		admin:    lifecycle.Actor{ID: uuid.New(), Role: models.RoleAdmin, Name: "alex"},
	}
	h.svc = New(h.store, locker.NewLocal(), h.ext, audit.NewWriter(db), zap.NewNop(), Options{
		Timeout:       5 * time.Second,
		ExtractionTTL: ttl,
		CallbackURL:   callbackURL,
		Now:           h.clock.Now,
	})
	return h
}

func draft(submit bool, receipts ...string) Draft {
	d := Draft{
		Title:    "Client dinner",
		Amount:   decimal.RequireFromString("84.20"),
		Currency: "eur",
		Category: "meals",
		Date:     time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC),
		Submit:   submit,
	}
	for _, r := range receipts {
		d.Attachments = append(d.Attachments, AttachmentInput{
			FileName:   r,
			Size:       2048,
			MimeType:   "application/pdf",
			StorageURL: "https://files.example.com/" + r,
		})
	}
	return d
}

func (h *harness) create(t *testing.T, d Draft) *models.Expense {
	t.Helper()
	e, err := h.svc.CreateExpense(context.Background(), h.employee, d)
	require.NoError(t, err)
	return e
}

func (h *harness) dispatch(t *testing.T, e *models.Expense) *models.Expense {
	t.Helper()
	require.NotEmpty(t, e.Attachments)
	out, err := h.svc.DispatchExtraction(context.Background(), h.employee, e.Attachments[0].ID)
	require.NoError(t, err)
	return out
}

func successCallback(e *models.Expense, vendor string) reconcile.Callback {
	amount := decimal.RequireFromString("84.20")
	return reconcile.Callback{
		ExpenseID:    e.ID,
		AttachmentID: e.Attachments[0].ID,
		Success:      true,
		ExtractedData: &reconcile.Fields{
			Vendor:     vendor,
			Amount:     &amount,
			Currency:   "EUR",
			Date:       "2026-05-30",
			Confidence: 0.91,
		},
	}
}

func (h *harness) countExtracted(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.ExtractedData{}).Where("expense_id = ?", id).Count(&n).Error)
	return n
}

func TestCreateDraftAndSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, draft(false))
	assert.Equal(t, models.StatusDraft, e.Status)
	assert.Equal(t, "EUR", e.Currency)
	assert.Equal(t, models.ProcessingNone, e.ProcessingStatus)
	assert.Nil(t, e.SubmittedAt)

	e, err := h.svc.SubmitExpense(ctx, h.employee, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, e.Status)
	assert.Equal(t, h.employee.ID, *e.SubmittedBy)
	assert.EqualValues(t, 2, e.Version)

	_, err = h.svc.SubmitExpense(ctx, h.employee, e.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestCreateValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := draft(false)
	d.Title = "  "
	_, err := h.svc.CreateExpense(ctx, h.employee, d)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	d = draft(false)
	d.Amount = decimal.NewFromInt(-5)
	_, err = h.svc.CreateExpense(ctx, h.employee, d)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	d = draft(false, "r.pdf")
	d.Attachments[0].StorageURL = "not a url"
	_, err = h.svc.CreateExpense(ctx, h.employee, d)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.svc.CreateExpense(ctx, lifecycle.Actor{}, draft(false))
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

// Submitted claim is approved once; a second approval changes nothing.
func TestApproveOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, draft(true))
	require.Equal(t, models.StatusSubmitted, e.Status)
	require.Equal(t, h.employee.ID, *e.SubmittedBy)

	approved, err := h.svc.Approve(ctx, h.manager, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, h.manager.ID, *approved.ApprovedBy)
	assert.NotNil(t, approved.ApprovedAt)

	_, err = h.svc.Approve(ctx, h.manager, e.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	got, err := h.svc.GetExpense(ctx, h.manager, e.ID)
	require.NoError(t, err)
	assert.Equal(t, approved.Version, got.Version)
	assert.True(t, approved.ApprovedAt.Equal(*got.ApprovedAt))
}

// An empty reason is refused before the store is touched.
func TestRejectReasonCheckedFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true))
	reads, writes := h.store.reads.Load(), h.store.writes.Load()

	_, err := h.svc.Reject(ctx, h.manager, e.ID, "   ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.svc.Reject(ctx, h.employee, e.ID, "not mine to judge")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Equal(t, reads, h.store.reads.Load())
	assert.Equal(t, writes, h.store.writes.Load())

	rejected, err := h.svc.Reject(ctx, h.manager, e.ID, "Missing itemised receipt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, "Missing itemised receipt", rejected.RejectionReason)
	assert.Equal(t, h.manager.ID, *rejected.RejectedBy)

	_, err = h.svc.Approve(ctx, h.manager, e.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestEmployeeCannotApprove(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, draft(true))

	_, err := h.svc.Approve(context.Background(), h.employee, e.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestMarkPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true))

	_, err := h.svc.MarkPaid(ctx, h.admin, e.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	_, err = h.svc.Approve(ctx, h.manager, e.ID)
	require.NoError(t, err)
	_, err = h.svc.MarkPaid(ctx, h.manager, e.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	paid, err := h.svc.MarkPaid(ctx, h.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, paid.Status)
	assert.Equal(t, h.admin.ID, *paid.PaidBy)
	assert.NotNil(t, paid.ApprovedAt)
}

// Concurrent approve and reject calls: exactly one wins.
func TestConcurrentDecisionsSerialize(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, draft(true))

	var ok, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.svc.Approve(context.Background(), h.manager, e.ID)
			} else {
				_, err = h.svc.Reject(context.Background(), h.manager, e.ID, "over budget")
			}
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.Is(err, apperr.KindInvalidTransition):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, invalid.Load())

	got, err := h.svc.GetExpense(context.Background(), h.manager, e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.True(t, got.Status == models.StatusApproved || got.Status == models.StatusRejected)
	assert.NoError(t, lifecycle.Validate(got))
}

func TestStoreConflictPropagates(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, draft(true))
	h.store.applyErr = apperr.New(apperr.KindConflict, "store.Apply", "expense was modified concurrently")

	_, err := h.svc.Approve(context.Background(), h.manager, e.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	h.store.applyErr = nil
	got, err := h.svc.GetExpense(context.Background(), h.manager, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, got.Status)
}

func TestPersistenceFailureIsExternal(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, draft(true))
	h.store.applyErr = apperr.External("store.Apply", e.ID.String(), context.DeadlineExceeded)

	_, err := h.svc.Approve(context.Background(), h.manager, e.ID)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.create(t, draft(false))

	other := lifecycle.Actor{ID: uuid.New(), Role: models.RoleEmployee, Name: "olly"}
	theirs, err := h.svc.CreateExpense(ctx, other, draft(true))
	require.NoError(t, err)

	_, err = h.svc.GetExpense(ctx, h.employee, theirs.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	list, err := h.svc.ListExpenses(ctx, h.employee, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	all, err := h.svc.ListExpenses(ctx, h.manager, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	submitted, err := h.svc.ListExpenses(ctx, h.manager, models.StatusSubmitted)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, theirs.ID, submitted[0].ID)

	_, err = h.svc.ListExpenses(ctx, h.manager, "archived")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.svc.GetExpense(ctx, h.manager, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAddAttachment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(false))
	in := AttachmentInput{FileName: "taxi.jpg", Size: 100, MimeType: "image/jpeg", StorageURL: "https://files.example.com/taxi.jpg"}

	_, err := h.svc.AddAttachment(ctx, h.manager, e.ID, in)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	out, err := h.svc.AddAttachment(ctx, h.employee, e.ID, in)
	require.NoError(t, err)
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, models.ProcessingPending, out.ProcessingStatus)
	assert.Nil(t, out.Attachments[0].SentToExtractionAt)

	_, err = h.svc.SubmitExpense(ctx, h.employee, e.ID)
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, h.manager, e.ID)
	require.NoError(t, err)
	_, err = h.svc.AddAttachment(ctx, h.employee, e.ID, in)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestDeleteDraftOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.create(t, draft(false, "a.pdf"))
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(h.svc.DeleteExpense(ctx, h.manager, d.ID)))
	require.NoError(t, h.svc.DeleteExpense(ctx, h.employee, d.ID))
	_, err := h.svc.GetExpense(ctx, h.employee, d.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	s := h.create(t, draft(true))
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(h.svc.DeleteExpense(ctx, h.employee, s.ID)))
}

// Attachment added, dispatched, reconciled; a redelivered callback is a no-op.
func TestExtractionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, draft(true, "receipt.pdf"))
	assert.Equal(t, models.ProcessingPending, e.ProcessingStatus)

	e = h.dispatch(t, e)
	assert.Equal(t, models.ProcessingExtracting, e.ProcessingStatus)
	att := e.Attachments[0]
	require.NotNil(t, att.SentToExtractionAt)

	req := h.ext.last()
	assert.Equal(t, att.ID, req.AttachmentID)
	assert.Equal(t, e.ID, req.ExpenseID)
	assert.Equal(t, *e.ExtractionRunID, req.RunID)
	assert.Equal(t, callbackURL, req.CallbackURL)
	assert.Equal(t, att.StorageURL, req.FileURL)

	h.clock.Advance(time.Minute)
	cb := successCallback(e, "Trattoria Roma")
	res, err := h.svc.ReconcileExtraction(ctx, cb)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.ProcessingCompleted, res.Expense.ProcessingStatus)
	require.NotNil(t, res.Expense.ExtractedData)
	assert.Equal(t, "Trattoria Roma", res.Expense.ExtractedData.Vendor)
	require.NotNil(t, res.Expense.Attachments[0].ProcessedAt)
	processedAt := *res.Expense.Attachments[0].ProcessedAt
	version := res.Expense.Version

	again, err := h.svc.ReconcileExtraction(ctx, cb)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, version, again.Expense.Version)
	assert.EqualValues(t, 1, h.countExtracted(t, e.ID))

	// A failure after completion never downgrades.
	failed := reconcile.Callback{ExpenseID: e.ID, AttachmentID: att.ID}
	res, err = h.svc.ReconcileExtraction(ctx, failed)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.ProcessingCompleted, res.Expense.ProcessingStatus)
	assert.True(t, processedAt.Equal(*res.Expense.Attachments[0].ProcessedAt))
	assert.EqualValues(t, 1, h.countExtracted(t, e.ID))
}

func TestCorrectedResultReplacesRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))

	_, err := h.svc.ReconcileExtraction(ctx, successCallback(e, "Trattoria"))
	require.NoError(t, err)
	res, err := h.svc.ReconcileExtraction(ctx, successCallback(e, "Trattoria Roma"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "Trattoria Roma", res.Expense.ExtractedData.Vendor)
	assert.EqualValues(t, 1, h.countExtracted(t, e.ID))
}

func TestDispatchTwiceIsAlreadyDispatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.dispatch(t, h.create(t, draft(false, "receipt.pdf")))
	_, err := h.svc.ReconcileExtraction(ctx, successCallback(e, "Cafe"))
	require.NoError(t, err)

	_, err = h.svc.DispatchExtraction(ctx, h.employee, e.Attachments[0].ID)
	assert.Equal(t, apperr.KindAlreadyDispatched, apperr.KindOf(err))
	assert.Len(t, h.ext.reqs, 1)
}

func TestDispatchFailureMarksRunFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true, "receipt.pdf"))
	attID := e.Attachments[0].ID

	h.ext.fail(apperr.External("extraction.Submit", attID.String(), fmt.Errorf("connection refused")))
	_, err := h.svc.DispatchExtraction(ctx, h.employee, attID)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))

	got, err := h.svc.GetExpense(ctx, h.employee, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingStatus)
	assert.NotNil(t, got.Attachments[0].SentToExtractionAt)

	h.ext.fail(nil)
	retried, err := h.svc.RetryExtraction(ctx, h.employee, attID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingExtracting, retried.ProcessingStatus)
	assert.NotEqual(t, *got.ExtractionRunID, *retried.ExtractionRunID)

	// The first run's late answer is ignored, the second run's applies.
	stale := successCallback(e, "Old")
	oldRun := *got.ExtractionRunID
	stale.RunID = &oldRun
	res, err := h.svc.ReconcileExtraction(ctx, stale)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = h.svc.ReconcileExtraction(ctx, successCallback(e, "New"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, *retried.ExtractionRunID, res.Expense.ExtractedData.RunID)
}

func TestReconcileRejectsMismatchedExpense(t *testing.T) {
	h := newHarness(t)
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))
	other := h.create(t, draft(false))

	cb := successCallback(e, "x")
	cb.ExpenseID = other.ID
	_, err := h.svc.ReconcileExtraction(context.Background(), cb)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	cb = successCallback(e, "x")
	cb.AttachmentID = uuid.New()
	_, err = h.svc.ReconcileExtraction(context.Background(), cb)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStuckExtractionExpiresOnRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))

	h.clock.Advance(ttl - time.Second)
	got, err := h.svc.GetExpense(ctx, h.employee, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingExtracting, got.ProcessingStatus)

	h.clock.Advance(2 * time.Second)
	got, err = h.svc.GetExpense(ctx, h.employee, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingStatus)

	res, err := h.svc.ReconcileExtraction(ctx, successCallback(e, "Too late"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Zero(t, h.countExtracted(t, e.ID))
}

func TestLateCallbackAfterTTLIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))

	h.clock.Advance(ttl + time.Minute)
	res, err := h.svc.ReconcileExtraction(context.Background(), successCallback(e, "Too late"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.ProcessingFailed, res.Expense.ProcessingStatus)
}

func TestExpireStaleExtractions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stuck := h.dispatch(t, h.create(t, draft(true, "a.pdf")))
	h.clock.Advance(ttl + time.Minute)
	fresh := h.dispatch(t, h.create(t, draft(true, "b.pdf")))

	n, err := h.svc.ExpireStaleExtractions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetExpense(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingStatus)
	got, err = h.store.GetExpense(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingExtracting, got.ProcessingStatus)
}

func TestAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true))
	_, err := h.svc.Approve(ctx, h.manager, e.ID)
	require.NoError(t, err)

	logs, err := audit.NewWriter(h.db).List(ctx, audit.Filter{EntityType: "expense", EntityID: e.ID.String()})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	actions := []models.AuditAction{logs[0].Action, logs[1].Action}
	assert.ElementsMatch(t, []models.AuditAction{models.AuditActionCreate, models.AuditActionApprove}, actions)
	for _, l := range logs {
		if l.Action == models.AuditActionApprove {
			require.NotNil(t, l.UserID)
			assert.Equal(t, h.manager.ID, *l.UserID)
			assert.Contains(t, l.BeforeData, `"submitted"`)
			assert.Contains(t, l.AfterData, `"approved"`)
		}
	}
}

func TestOversizedRejectReasonTouchesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true))
	reads, writes := h.store.reads.Load(), h.store.writes.Load()

	_, err := h.svc.Reject(ctx, h.manager, e.ID, strings.Repeat("x", 600))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, reads, h.store.reads.Load())
	assert.Equal(t, writes, h.store.writes.Load())

	got, err := h.svc.GetExpense(ctx, h.manager, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, got.Status)
	assert.Empty(t, got.RejectionReason)
}

func TestLongRejectReasonIsTruncatedInAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, draft(true))
	reason := strings.Repeat("y", 490)

	rejected, err := h.svc.Reject(ctx, h.manager, e.ID, reason)
	require.NoError(t, err)
	assert.Equal(t, reason, rejected.RejectionReason)

	logs, err := audit.NewWriter(h.db).List(ctx, audit.Filter{EntityType: "expense", EntityID: e.ID.String()})
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.Action == models.AuditActionReject {
			found = true
			assert.LessOrEqual(t, utf8.RuneCountInString(l.Description), maxAuditDescription)
			assert.True(t, strings.HasPrefix(l.Description, "Expense rejected: yyy"))
		}
	}
	assert.True(t, found)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "ééé…", truncate("éééééé", 4))
}

func TestAmountMustFitColumn(t *testing.T) {
	h := newHarness(t)
	d := draft(false)
	d.Amount = decimal.New(1, 12)
	_, err := h.svc.CreateExpense(context.Background(), h.employee, d)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	d.Amount = decimal.RequireFromString("999999999999.99")
	e := h.create(t, d)
	assert.True(t, d.Amount.Equal(e.Amount))
}

func TestOversizedExtractionIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))

	cases := map[string]func(cb *reconcile.Callback){
		"vendor":         func(cb *reconcile.Callback) { cb.ExtractedData.Vendor = strings.Repeat("v", 400) },
		"invoice number": func(cb *reconcile.Callback) { cb.ExtractedData.InvoiceNumber = strings.Repeat("9", 300) },
		"amount": func(cb *reconcile.Callback) {
			big := decimal.New(1, 12)
			cb.ExtractedData.Amount = &big
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cb := successCallback(e, "Trattoria")
			mutate(&cb)
			_, err := h.svc.ReconcileExtraction(ctx, cb)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	got, err := h.store.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingExtracting, got.ProcessingStatus)
	assert.Zero(t, h.countExtracted(t, e.ID))
}

// Amounts are stored to the cent, so redelivering an amount with more
// precision still counts as the same result.
func TestRedeliveredSubCentAmountIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.dispatch(t, h.create(t, draft(true, "receipt.pdf")))

	cb := successCallback(e, "Trattoria")
	amount := decimal.RequireFromString("42.505")
	cb.ExtractedData.Amount = &amount

	res, err := h.svc.ReconcileExtraction(ctx, cb)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.True(t, decimal.RequireFromString("42.51").Equal(res.Expense.ExtractedData.Amount.Decimal))
	version := res.Expense.Version

	res, err = h.svc.ReconcileExtraction(ctx, cb)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, version, res.Expense.Version)
	assert.EqualValues(t, 1, h.countExtracted(t, e.ID))
}

// A run listed as stale but already failed by someone else is not counted.
func TestExpireStaleCountsOnlyExpiredRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stuck := h.dispatch(t, h.create(t, draft(true, "a.pdf")))

	failed := h.create(t, draft(true, "b.pdf"))
	h.ext.fail(apperr.External("extraction.Submit", "", fmt.Errorf("connection refused")))
	_, err := h.svc.DispatchExtraction(ctx, h.employee, failed.Attachments[0].ID)
	require.Error(t, err)
	h.ext.fail(nil)
	h.store.staleExtra = []uuid.UUID{failed.ID}

	h.clock.Advance(ttl + time.Minute)
	n, err := h.svc.ExpireStaleExtractions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetExpense(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingStatus)
}
