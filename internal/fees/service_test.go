package fees

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	stubCatalog
	student      Student
	studentErr   error
	invoices     []Invoice
	invoiceErr   error
	studentCalls int
	recorded     []InvoicePaymentRequest
	recordErr    error

	// studentGate holds GetStudent until closed.
	studentGate chan struct{}
	// rendezvous makes the catalog and invoice fetches wait for each other.
	rendezvous *rendezvous
}

// rendezvous lets two fetches proceed only once both have started.
type rendezvous struct {
	catalog, invoices         chan struct{}
	catalogOnce, invoicesOnce sync.Once
}

func newRendezvous() *rendezvous {
	return &rendezvous{catalog: make(chan struct{}), invoices: make(chan struct{})}
}

func (r *rendezvous) meet(ctx context.Context, once *sync.Once, mine, other chan struct{}) error {
	once.Do(func() { close(mine) })
	select {
	case <-other:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return errors.New("fetches ran one after the other")
	}
}

func (s *stubSource) GetStudent(ctx context.Context, schoolID, studentID int64) (Student, error) {
	s.mu.Lock()
	s.studentCalls++
	s.mu.Unlock()
	if s.studentGate != nil {
		select {
		case <-s.studentGate:
		case <-ctx.Done():
			return Student{}, ctx.Err()
		}
	}
	return s.student, s.studentErr
}

func (s *stubSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.studentCalls
}

func (s *stubSource) ListFeeStructures(ctx context.Context, filter FeeStructureFilter) ([]FeeStructure, error) {
	if r := s.rendezvous; r != nil {
		if err := r.meet(ctx, &r.catalogOnce, r.catalog, r.invoices); err != nil {
			return nil, err
		}
	}
	return s.stubCatalog.ListFeeStructures(ctx, filter)
}

func (s *stubSource) ListInvoices(ctx context.Context, schoolID, studentID int64) ([]Invoice, error) {
	if r := s.rendezvous; r != nil {
		if err := r.meet(ctx, &r.invoicesOnce, r.invoices, r.catalog); err != nil {
			return nil, err
		}
	}
	return s.invoices, s.invoiceErr
}

func (s *stubSource) CreateInvoicePayment(ctx context.Context, req InvoicePaymentRequest) (PaymentReceipt, error) {
	if s.recordErr != nil {
		return PaymentReceipt{}, s.recordErr
	}
	s.recorded = append(s.recorded, req)
	return PaymentReceipt{InvoiceID: 501, InvoiceNumber: "INV-501", PaymentID: 77}, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

var errDuplicateKey = errors.New("duplicate key")

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return errDuplicateKey
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func newStubSource() *stubSource {
	return &stubSource{
		stubCatalog: stubCatalog{
			structures: []FeeStructure{{ID: 101, Name: "Tuition", Amount: d("500"), Status: StatusActive}},
			prices:     []RoutePrice{{ID: 44, RouteID: 5, ClassID: 3, CategoryHeadID: 2, Amount: d("150")}},
		},
		student: Student{ID: 9, SchoolID: 1, Name: "Asha", ClassID: 3, CategoryHeadID: 2, RouteID: 5, OpeningBalance: d("300")},
		invoices: []Invoice{{
			ID:          1,
			TotalAmount: d("1500"),
			PaidAmount:  d("750"),
			Items:       []InvoiceItem{{Amount: d("1500"), SourceType: SourceFee, SourceID: 101}},
		}},
	}
}

func newTestService(t *testing.T, src *stubSource, idem IdempotencyStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewService(src, NewSnapshotCache(client, time.Minute), idem, nil, ServiceConfig{AcademicYearStartMonth: time.April})
	svc.WithNow(func() time.Time { return time.Date(2024, time.July, 15, 9, 0, 0, 0, time.UTC) })
	return svc
}

var testRef = BreakdownRequest{StudentRef: StudentRef{SchoolID: 1, StudentID: 9}}

func TestServiceBreakdown(t *testing.T) {
	src := newStubSource()
	svc := newTestService(t, src, nil)

	bd, err := svc.Breakdown(context.Background(), testRef)
	require.NoError(t, err)
	require.NotEmpty(t, bd.ComputationID)
	require.Equal(t, "Asha", bd.StudentName)
	require.Len(t, bd.Lines, 3)
	require.Equal(t, time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC), bd.Period.Cutoff)

	tuition, ok := FindLine(bd.Lines, FeeHead(101))
	require.True(t, ok)
	require.True(t, tuition.Total.Equal(d("1500")))
	require.True(t, tuition.Balance.Equal(d("750")))

	again, err := svc.Breakdown(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, 1, src.studentCalls, "second breakdown should come from the cached snapshot")
	require.NotEqual(t, bd.ComputationID, again.ComputationID)
	require.Equal(t, len(bd.Lines), len(again.Lines))
	for i := range bd.Lines {
		require.True(t, bd.Lines[i].Balance.Equal(again.Lines[i].Balance))
	}
}

func TestServiceBreakdownPreconditionFailsBeforeCatalog(t *testing.T) {
	src := newStubSource()
	src.student.RouteID = 0
	src.student.ClassID = 0
	svc := newTestService(t, src, nil)

	_, err := svc.Breakdown(context.Background(), testRef)
	var perr *PreconditionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, []string{"class", "route"}, perr.Missing)
	require.Equal(t, 0, src.categoryCalls)
	require.Zero(t, src.structFilter.SchoolID)
}

func TestServiceBreakdownNoFeePlan(t *testing.T) {
	src := newStubSource()
	src.structures = nil
	svc := newTestService(t, src, nil)

	_, err := svc.Breakdown(context.Background(), testRef)
	require.ErrorIs(t, err, ErrNoFeePlan)
}

func TestServiceBreakdownInvoiceFailure(t *testing.T) {
	src := newStubSource()
	src.invoiceErr = errors.New("timeout")
	svc := newTestService(t, src, nil)

	_, err := svc.Breakdown(context.Background(), testRef)
	require.Error(t, err)
	require.Contains(t, err.Error(), "list invoices")
}

func TestServicePreviewAllocation(t *testing.T) {
	svc := newTestService(t, newStubSource(), nil)

	preview, err := svc.PreviewAllocation(context.Background(), testRef, AllocationInput{
		AmountReceived: d("1000"),
		Selected:       []HeadID{LedgerHead(), FeeHead(101)},
	})
	require.NoError(t, err)
	byKey := preview.Allocation.ByKey()
	require.True(t, byKey[0].Equal(d("300")))
	require.True(t, byKey[101].Equal(d("700")))
	require.True(t, preview.Allocation.Unallocated.IsZero())
}

func TestServiceRecordPayment(t *testing.T) {
	src := newStubSource()
	idem := &memoryIdempotency{}
	svc := newTestService(t, src, idem)
	ctx := context.Background()

	_, err := svc.Breakdown(ctx, testRef)
	require.NoError(t, err)

	in := AllocationInput{AmountReceived: d("500"), Selected: []HeadID{TransportHead(), FeeHead(101)}}
	res, err := svc.RecordPayment(ctx, testRef, in, PaymentDetails{Method: "cash", TransactionID: "TX-1"}, "key-1")
	require.NoError(t, err)
	require.Equal(t, int64(501), res.Receipt.InvoiceID)
	require.Len(t, src.recorded, 1)

	req := src.recorded[0]
	require.Equal(t, "key-1", req.IdempotencyKey)
	require.Len(t, req.Lines, 2)
	require.Equal(t, SourceTransport, req.Lines[0].SourceType)
	require.Equal(t, int64(44), req.Lines[0].SourceID)
	require.True(t, req.Lines[0].Amount.Equal(d("450")))
	require.True(t, req.Lines[1].Amount.Equal(d("50")))
	require.False(t, req.Payment.Date.IsZero())

	_, err = svc.RecordPayment(ctx, testRef, in, PaymentDetails{Method: "cash"}, "key-1")
	require.ErrorIs(t, err, errDuplicateKey)
	require.Len(t, src.recorded, 1)

	calls := src.studentCalls
	_, err = svc.Breakdown(ctx, testRef)
	require.NoError(t, err)
	require.Greater(t, src.studentCalls, calls, "snapshot should be refetched after a payment")
}

func TestServiceRecordPaymentReleasesKeyOnFailure(t *testing.T) {
	src := newStubSource()
	src.recordErr = errors.New("upstream 500")
	idem := &memoryIdempotency{}
	svc := newTestService(t, src, idem)

	in := AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(101)}}
	_, err := svc.RecordPayment(context.Background(), testRef, in, PaymentDetails{Method: "cash"}, "key-2")
	require.Error(t, err)
	require.Empty(t, idem.keys)
}

func TestServiceRecordPaymentRejectsInvalidInput(t *testing.T) {
	src := newStubSource()
	svc := newTestService(t, src, nil)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, testRef, AllocationInput{AmountReceived: d("100"), Discount: d("100"), Selected: []HeadID{FeeHead(101)}}, PaymentDetails{Method: "cash"}, "")
	require.True(t, IsValidation(err))

	_, err = svc.RecordPayment(ctx, testRef, AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(101)}}, PaymentDetails{}, "")
	require.True(t, IsValidation(err))

	_, err = svc.RecordPayment(ctx, testRef, AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(555)}}, PaymentDetails{Method: "cash"}, "")
	require.True(t, IsValidation(err))
	require.Empty(t, src.recorded)
}

func TestSnapshotCacheVersioning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewSnapshotCache(client, time.Minute)
	ctx := context.Background()
	ref := StudentRef{SchoolID: 1, StudentID: 2}

	loads := 0
	loader := func(context.Context) (Snapshot, error) {
		loads++
		return Snapshot{Student: Student{ID: 2, OpeningBalance: d("12.50")}}, nil
	}

	first, err := cache.Fetch(ctx, ref, loader)
	require.NoError(t, err)
	second, err := cache.Fetch(ctx, ref, loader)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.True(t, first.Student.OpeningBalance.Equal(second.Student.OpeningBalance))

	key, err := cache.Key(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "fees:snapshot:1:2:1", key)

	require.NoError(t, cache.Bump(ctx))
	_, err = cache.Fetch(ctx, ref, loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	require.NoError(t, cache.Invalidate(ctx, ref))
	_, err = cache.Fetch(ctx, ref, loader)
	require.NoError(t, err)
	require.Equal(t, 3, loads)
}

func TestSnapshotCacheDisabled(t *testing.T) {
	var cache *SnapshotCache
	loads := 0
	for i := 0; i < 2; i++ {
		_, err := cache.Fetch(context.Background(), StudentRef{SchoolID: 1, StudentID: 1}, func(context.Context) (Snapshot, error) {
			loads++
			return Snapshot{}, nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, loads)
}

type recordingObserver struct {
	breakdowns []string
	payments   []string
}

func (o *recordingObserver) ObserveBreakdown(outcome string, elapsed time.Duration) {
	o.breakdowns = append(o.breakdowns, outcome)
}

func (o *recordingObserver) ObservePayment(outcome string, unallocated float64) {
	o.payments = append(o.payments, outcome)
}

func TestServiceReportsOutcomes(t *testing.T) {
	src := newStubSource()
	svc := newTestService(t, src, nil)
	obs := &recordingObserver{}
	svc.WithObserver(obs)
	ctx := context.Background()

	_, err := svc.Breakdown(ctx, testRef)
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, testRef, AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(101)}}, PaymentDetails{}, "")
	require.Error(t, err)
	_, err = svc.RecordPayment(ctx, testRef, AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(101)}}, PaymentDetails{Method: "cash"}, "")
	require.NoError(t, err)

	src.structures = nil
	require.NoError(t, svc.cache.Bump(ctx))
	_, err = svc.Breakdown(ctx, testRef)
	require.ErrorIs(t, err, ErrNoFeePlan)

	require.Equal(t, []string{"ok", "no_fee_plan"}, obs.breakdowns)
	require.Equal(t, []string{"invalid", "ok"}, obs.payments)
}

func TestServiceWarm(t *testing.T) {
	src := newStubSource()
	svc := newTestService(t, src, nil)
	ctx := context.Background()
	ref := testRef.StudentRef

	require.NoError(t, svc.Warm(ctx, ref, false))
	require.NoError(t, svc.Warm(ctx, ref, false))
	require.Equal(t, 1, src.studentCalls)

	require.NoError(t, svc.Warm(ctx, ref, true))
	require.Equal(t, 2, src.studentCalls)
}

func TestServiceSnapshotCollapsesConcurrentLoads(t *testing.T) {
	src := newStubSource()
	src.studentGate = make(chan struct{})
	svc := newTestService(t, src, nil)
	ref := testRef.StudentRef

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Snapshot(context.Background(), ref)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.studentGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, src.calls())
}

func TestServiceSnapshotFetchesCatalogAndInvoicesConcurrently(t *testing.T) {
	src := newStubSource()
	src.rendezvous = newRendezvous()
	svc := newTestService(t, src, nil)

	snap, err := svc.Snapshot(context.Background(), testRef.StudentRef)
	require.NoError(t, err)
	require.Len(t, snap.Catalog.Structures, 1)
	require.Len(t, snap.Invoices, 1)
}

func TestServiceSnapshotCallerCancellationDoesNotFailOthers(t *testing.T) {
	src := newStubSource()
	src.studentGate = make(chan struct{})
	svc := newTestService(t, src, nil)
	ref := testRef.StudentRef

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Snapshot(firstCtx, ref)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		snap Snapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := svc.Snapshot(context.Background(), ref)
		second <- result{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.studentGate)
	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, "Asha", res.snap.Student.Name)
	require.Equal(t, 1, src.calls())
}

func TestSnapshotCacheSkipsWriteInvalidatedMidLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewSnapshotCache(client, time.Minute)
	ctx := context.Background()
	ref := StudentRef{SchoolID: 1, StudentID: 2}

	loads := 0
	stale := func(ctx context.Context) (Snapshot, error) {
		loads++
		// A payment lands while this load is still running.
		require.NoError(t, cache.Invalidate(ctx, ref))
		return Snapshot{Student: Student{ID: 2, OpeningBalance: d("100")}}, nil
	}
	snap, err := cache.Fetch(ctx, ref, stale)
	require.NoError(t, err)
	require.True(t, snap.Student.OpeningBalance.Equal(d("100")))

	key, err := cache.Key(ctx, ref)
	require.NoError(t, err)
	require.False(t, mr.Exists(key), "pre-payment snapshot must not be cached")

	fresh := func(context.Context) (Snapshot, error) {
		loads++
		return Snapshot{Student: Student{ID: 2, OpeningBalance: d("40")}}, nil
	}
	snap, err = cache.Fetch(ctx, ref, fresh)
	require.NoError(t, err)
	require.True(t, snap.Student.OpeningBalance.Equal(d("40")))
	require.True(t, mr.Exists(key))
	require.Equal(t, 2, loads)
}

func TestServiceRecordPaymentScopesKeyPerStudent(t *testing.T) {
	src := newStubSource()
	idem := &memoryIdempotency{}
	svc := newTestService(t, src, idem)
	ctx := context.Background()
	in := AllocationInput{AmountReceived: d("100"), Selected: []HeadID{FeeHead(101)}}

	_, err := svc.RecordPayment(ctx, testRef, in, PaymentDetails{Method: "cash"}, "shared-key")
	require.NoError(t, err)

	sibling := BreakdownRequest{StudentRef: StudentRef{SchoolID: 1, StudentID: 10}}
	_, err = svc.RecordPayment(ctx, sibling, in, PaymentDetails{Method: "cash"}, "shared-key")
	require.NoError(t, err)
	require.Len(t, src.recorded, 2)
	require.Len(t, idem.keys, 2)

	_, err = svc.RecordPayment(ctx, sibling, in, PaymentDetails{Method: "cash"}, "shared-key")
	require.ErrorIs(t, err, errDuplicateKey)
}
