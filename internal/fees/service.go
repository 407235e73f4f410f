package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// IdempotencyModule scopes payment keys in the idempotency store.
const IdempotencyModule = "fees.payment"

// StudentSource loads student records.
type StudentSource interface {
	GetStudent(ctx context.Context, schoolID, studentID int64) (Student, error)
}

// InvoiceSource loads a student's invoice history.
type InvoiceSource interface {
	ListInvoices(ctx context.Context, schoolID, studentID int64) ([]Invoice, error)
}

// PaymentRecorder creates an invoice together with its payment.
type PaymentRecorder interface {
	CreateInvoicePayment(ctx context.Context, req InvoicePaymentRequest) (PaymentReceipt, error)
}

// Source is everything the service reads from and writes to upstream.
type Source interface {
	StudentSource
	CatalogSource
	InvoiceSource
	PaymentRecorder
}

// IdempotencyStore guards payment submission against replays.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Observer receives the outcome of breakdowns and payments, for metrics.
type Observer interface {
	ObserveBreakdown(outcome string, elapsed time.Duration)
	ObservePayment(outcome string, unallocated float64)
}

// ServiceConfig tunes the service.
type ServiceConfig struct {
	AcademicYearStartMonth time.Month
}

// StudentRef addresses one student of one school.
type StudentRef struct {
	SchoolID  int64
	StudentID int64
}

// BreakdownRequest asks for a student's breakdown. A zero AcademicYearStart
// is derived from the configured start month.
type BreakdownRequest struct {
	StudentRef
	AcademicYearStart time.Time
}

// Breakdown is a computed fee breakdown. ComputationID lets callers discard
// results superseded by a newer request.
type Breakdown struct {
	ComputationID string          `json:"computation_id"`
	SchoolID      int64           `json:"school_id"`
	StudentID     int64           `json:"student_id"`
	StudentName   string          `json:"student_name"`
	AsOf          time.Time       `json:"as_of"`
	Period        Period          `json:"period"`
	Lines         []BreakdownLine `json:"lines"`
	Totals        Totals          `json:"totals"`
}

// AllocationPreview pairs a breakdown with the allocation it would receive.
type AllocationPreview struct {
	Breakdown  Breakdown  `json:"breakdown"`
	Allocation Allocation `json:"allocation"`
}

// PaymentResult is returned after a payment has been recorded upstream.
type PaymentResult struct {
	Receipt    PaymentReceipt `json:"receipt"`
	Allocation Allocation     `json:"allocation"`
}

// Service orchestrates fetching and the pure breakdown/allocation steps.
type Service struct {
	students StudentSource
	invoices InvoiceSource
	recorder PaymentRecorder
	resolver *CatalogResolver
	cache    *SnapshotCache
	idem     IdempotencyStore
	observer Observer
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time
	loads    singleflight.Group
}

// NewService wires the service. cache and idem may be nil.
func NewService(source Source, cache *SnapshotCache, idem IdempotencyStore, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.AcademicYearStartMonth == 0 {
		cfg.AcademicYearStartMonth = time.April
	}
	return &Service{
		students: source,
		invoices: source,
		recorder: source,
		resolver: NewCatalogResolver(source, logger),
		cache:    cache,
		idem:     idem,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithObserver attaches a metrics observer.
func (s *Service) WithObserver(o Observer) {
	s.observer = o
}

// snapshotLoadTimeout bounds a shared snapshot load, which no longer follows
// any single caller's cancellation.
const snapshotLoadTimeout = 30 * time.Second

// Snapshot returns the cached snapshot for a student, fetching it when
// missing. Concurrent calls for the same student share one fetch; each caller
// still returns as soon as its own context is done.
func (s *Service) Snapshot(ctx context.Context, ref StudentRef) (Snapshot, error) {
	key := formatInt(ref.SchoolID) + ":" + formatInt(ref.StudentID)
	resultChan := s.loads.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotLoadTimeout)
		defer cancel()
		return s.cache.Fetch(loadCtx, ref, func(ctx context.Context) (Snapshot, error) {
			return s.fetchSnapshot(ctx, ref)
		})
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

// Warm loads a student's snapshot into the cache. With refresh the cached
// entry is dropped first so the snapshot is refetched.
func (s *Service) Warm(ctx context.Context, ref StudentRef, refresh bool) error {
	if refresh {
		if err := s.cache.Invalidate(ctx, ref); err != nil {
			return err
		}
	}
	_, err := s.Snapshot(ctx, ref)
	return err
}

// fetchSnapshot loads the student first, since its assignment drives the
// catalog lookup, then fetches the catalog and invoices concurrently.
func (s *Service) fetchSnapshot(ctx context.Context, ref StudentRef) (Snapshot, error) {
	student, err := s.students.GetStudent(ctx, ref.SchoolID, ref.StudentID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fees: load student %d: %w", ref.StudentID, err)
	}
	if student.SchoolID == 0 {
		student.SchoolID = ref.SchoolID
	}
	if missing := student.Assignment().Missing(); len(missing) > 0 {
		return Snapshot{}, &PreconditionError{StudentID: student.ID, Missing: missing}
	}

	snap := Snapshot{Student: student, FetchedAt: s.now()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		catalog, err := s.resolver.Resolve(gctx, student.Assignment())
		if err != nil {
			return err
		}
		snap.Catalog = catalog
		return nil
	})
	g.Go(func() error {
		invoices, err := s.invoices.ListInvoices(gctx, ref.SchoolID, ref.StudentID)
		if err != nil {
			return fmt.Errorf("fees: list invoices: %w", err)
		}
		snap.Invoices = invoices
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	s.log().Debug("snapshot fetched",
		slog.Int64("school_id", ref.SchoolID),
		slog.Int64("student_id", ref.StudentID),
		slog.Int("fee_structures", len(snap.Catalog.Structures)),
		slog.Bool("transport", snap.Catalog.Transport != nil),
		slog.Int("invoices", len(snap.Invoices)))
	return snap, nil
}

// Breakdown computes the breakdown for a student.
func (s *Service) Breakdown(ctx context.Context, req BreakdownRequest) (result Breakdown, err error) {
	start := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveBreakdown(outcome(err), time.Since(start))
		}
	}()
	snap, err := s.Snapshot(ctx, req.StudentRef)
	if err != nil {
		return Breakdown{}, err
	}
	return s.breakdownFrom(snap, req)
}

func (s *Service) breakdownFrom(snap Snapshot, req BreakdownRequest) (Breakdown, error) {
	now := s.now()
	start := req.AcademicYearStart
	if start.IsZero() {
		start = AcademicYearStart(now, s.cfg.AcademicYearStartMonth)
	}
	period := PeriodFor(start, now)
	lines, err := AssembleBreakdown(snap, period)
	if err != nil {
		if errors.Is(err, ErrNoFeePlan) {
			s.log().Warn("no fee plan",
				slog.Int64("student_id", snap.Student.ID),
				slog.Int64("class_id", snap.Student.ClassID),
				slog.Int64("category_head_id", snap.Student.CategoryHeadID))
		}
		return Breakdown{}, err
	}
	return Breakdown{
		ComputationID: uuid.NewString(),
		SchoolID:      req.SchoolID,
		StudentID:     req.StudentID,
		StudentName:   snap.Student.Name,
		AsOf:          now,
		Period:        period,
		Lines:         lines,
		Totals:        Summarize(lines),
	}, nil
}

// PreviewAllocation computes how a payment would be spread without
// recording anything.
func (s *Service) PreviewAllocation(ctx context.Context, req BreakdownRequest, in AllocationInput) (AllocationPreview, error) {
	if err := in.Validate(); err != nil {
		return AllocationPreview{}, err
	}
	breakdown, err := s.Breakdown(ctx, req)
	if err != nil {
		return AllocationPreview{}, err
	}
	alloc, err := Allocate(in, breakdown.Lines)
	if err != nil {
		return AllocationPreview{}, err
	}
	return AllocationPreview{Breakdown: breakdown, Allocation: alloc}, nil
}

// RecordPayment allocates a payment against freshly fetched data and records
// it upstream. A non-empty idempotency key is claimed before the upstream
// call and released again if the call fails.
func (s *Service) RecordPayment(ctx context.Context, req BreakdownRequest, in AllocationInput, details PaymentDetails, idempotencyKey string) (result PaymentResult, err error) {
	defer func() {
		if s.observer != nil {
			unallocated, _ := result.Allocation.Unallocated.Float64()
			s.observer.ObservePayment(outcome(err), unallocated)
		}
	}()
	if err := in.Validate(); err != nil {
		return PaymentResult{}, err
	}
	if details.Method == "" {
		return PaymentResult{}, &ValidationError{Field: "method", Reason: "payment method required"}
	}
	if details.Date.IsZero() {
		details.Date = s.now()
	}

	snap, err := s.fetchSnapshot(ctx, req.StudentRef)
	if err != nil {
		return PaymentResult{}, err
	}
	breakdown, err := s.breakdownFrom(snap, req)
	if err != nil {
		return PaymentResult{}, err
	}
	alloc, err := Allocate(in, breakdown.Lines)
	if err != nil {
		return PaymentResult{}, err
	}
	if len(alloc.Entries) == 0 {
		return PaymentResult{}, &ValidationError{Field: "selected", Reason: "selected fee heads have no outstanding balance"}
	}

	invoiceReq, err := BuildInvoicePaymentRequest(snap, in, alloc, details)
	if err != nil {
		return PaymentResult{}, err
	}

	claimed := false
	if idempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, scopedKey(req.StudentRef, idempotencyKey), IdempotencyModule); err != nil {
			return PaymentResult{}, err
		}
		claimed = true
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	invoiceReq.IdempotencyKey = idempotencyKey

	logger := s.log().With(
		slog.Int64("school_id", req.SchoolID),
		slog.Int64("student_id", req.StudentID),
		slog.String("idempotency_key", idempotencyKey))

	receipt, err := s.recorder.CreateInvoicePayment(ctx, invoiceReq)
	if err != nil {
		if claimed {
			if delErr := s.idem.Delete(context.WithoutCancel(ctx), scopedKey(req.StudentRef, idempotencyKey), IdempotencyModule); delErr != nil {
				logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		return PaymentResult{}, fmt.Errorf("fees: record payment: %w", err)
	}

	if err := s.cache.Invalidate(ctx, req.StudentRef); err != nil {
		logger.Warn("invalidate snapshot", slog.Any("error", err))
	}
	logger.Info("payment recorded",
		slog.Int64("invoice_id", receipt.InvoiceID),
		slog.String("allocated", alloc.Allocated().String()),
		slog.String("unallocated", alloc.Unallocated.String()))

	return PaymentResult{Receipt: receipt, Allocation: alloc}, nil
}

// scopedKey ties a client supplied key to one student, so the same key sent
// for another student claims its own slot.
func scopedKey(ref StudentRef, key string) string {
	return formatInt(ref.SchoolID) + ":" + formatInt(ref.StudentID) + ":" + key
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoFeePlan):
		return "no_fee_plan"
	case IsPrecondition(err):
		return "precondition"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
