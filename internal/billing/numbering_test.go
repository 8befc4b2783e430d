package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

var invoiceScope = Scope{WorkspaceID: "ws-1", Kind: KindInvoice, Prefix: "F-", Year: 2026}

func scopedDoc(id, number string, status Status) Document {
	return Document{
		ID:          id,
		WorkspaceID: invoiceScope.WorkspaceID,
		Kind:        invoiceScope.Kind,
		Prefix:      invoiceScope.Prefix,
		Number:      number,
		Status:      status,
		IssueDate:   testNow,
		Client:      Client{Name: "ACME"},
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func newTestAllocator() *Allocator {
	a := NewAllocator(NewMemoryLocker(), nil)
	a.now = func() time.Time { return testNow }
	a.jitter = func() int { return 7 }
	return a
}

func seedFinals(store *memStore, from, to int) {
	for i := from; i <= to; i++ {
		n := strconv.Itoa(i)
		store.put(scopedDoc("final-"+n, n, StatusPending))
	}
}

func TestAllocateFinalStartsAtOne(t *testing.T) {
	store := newMemStore()
	alloc, err := newTestAllocator().Allocate(context.Background(), store, invoiceScope, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "1", alloc.Number)
	require.Empty(t, alloc.Renamed)
}

func TestAllocateFinalIgnoresDrafts(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 2)
	store.put(scopedDoc("draft-a", "99", StatusDraft))
	store.put(scopedDoc("draft-b", "DRAFT-3-1773484200000007", StatusDraft))

	alloc, err := newTestAllocator().Allocate(context.Background(), store, invoiceScope, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "3", alloc.Number)
}

func TestAllocateFinalIsScoped(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 5)

	other := invoiceScope
	other.Year = 2027
	alloc, err := newTestAllocator().Allocate(context.Background(), store, other, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "1", alloc.Number)

	other = invoiceScope
	other.Prefix = "EXP-"
	alloc, err = newTestAllocator().Allocate(context.Background(), store, other, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "1", alloc.Number)
}

func TestAllocateDraftTokenEmbedsNextNumber(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 2)
	a := newTestAllocator()

	alloc, err := a.Allocate(context.Background(), store, invoiceScope, ModeDraft, "", "self")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("DRAFT-3-%d007", testNow.UnixMilli()), alloc.Number)
	require.True(t, IsDraftToken(alloc.Number))

	next, err := a.Peek(context.Background(), store, invoiceScope)
	require.NoError(t, err)
	require.Equal(t, "3", next, "drafts never consume a final number")
}

func TestAllocateDraftRetriesTakenToken(t *testing.T) {
	store := newMemStore()
	a := newTestAllocator()
	store.put(scopedDoc("draft-a", fmt.Sprintf("DRAFT-1-%d007", testNow.UnixMilli()), StatusDraft))

	jitters := []int{7, 8}
	a.jitter = func() int {
		v := jitters[0]
		jitters = jitters[1:]
		return v
	}
	alloc, err := a.Allocate(context.Background(), store, invoiceScope, ModeDraft, "", "self")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("DRAFT-1-%d008", testNow.UnixMilli()), alloc.Number)
}

func TestAllocateManualDraftNumber(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 3)
	store.put(scopedDoc("draft-a", "42", StatusDraft))
	a := newTestAllocator()

	alloc, err := a.Allocate(context.Background(), store, invoiceScope, ModeDraft, " 43 ", "self")
	require.NoError(t, err)
	require.Equal(t, "43", alloc.Number)

	_, err = a.Allocate(context.Background(), store, invoiceScope, ModeDraft, "42", "self")
	require.ErrorIs(t, err, ErrDuplicateNumber, "another draft already holds 42")

	alloc, err = a.Allocate(context.Background(), store, invoiceScope, ModeDraft, "42", "draft-a")
	require.NoError(t, err, "a draft keeps its own number")
	require.Equal(t, "42", alloc.Number)

	_, err = a.Allocate(context.Background(), store, invoiceScope, ModeDraft, "2", "self")
	var dup *DuplicateNumberError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "2", dup.Number)
	require.Equal(t, CodeDuplicateNumber, CodeOf(err))
}

func TestAllocateFinalRenamesCollidingDraft(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 41)
	store.put(scopedDoc("draft-42", "42", StatusDraft))
	a := newTestAllocator()

	alloc, err := a.Allocate(context.Background(), store, invoiceScope, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "42", alloc.Number)
	require.Len(t, alloc.Renamed, 1)

	want := fmt.Sprintf("42-DRAFT-%d", testNow.UnixMilli())
	require.Equal(t, want, alloc.Renamed[0].Number)
	renamed, err := store.Get(context.Background(), "draft-42")
	require.NoError(t, err)
	require.Equal(t, want, renamed.Number)
	require.Equal(t, StatusDraft, renamed.Status)
}

func TestAllocateFinalKeepsOwnDraftNumber(t *testing.T) {
	store := newMemStore()
	store.put(scopedDoc("self", "1", StatusDraft))

	alloc, err := newTestAllocator().Allocate(context.Background(), store, invoiceScope, ModeFinal, "", "self")
	require.NoError(t, err)
	require.Equal(t, "1", alloc.Number)
	require.Empty(t, alloc.Renamed)
}

func TestAllocateFinalManualNumber(t *testing.T) {
	store := newMemStore()
	seedFinals(store, 1, 2)
	a := newTestAllocator()

	_, err := a.Allocate(context.Background(), store, invoiceScope, ModeFinal, "2", "self")
	require.ErrorIs(t, err, ErrDuplicateNumber)

	_, err = a.Allocate(context.Background(), store, invoiceScope, ModeFinal, "DRAFT-3-1", "self")
	require.ErrorIs(t, err, ErrValidation)

	alloc, err := a.Allocate(context.Background(), store, invoiceScope, ModeFinal, "10", "self")
	require.NoError(t, err)
	require.Equal(t, "10", alloc.Number)
	store.put(scopedDoc("manual-10", "10", StatusPending))

	next, err := a.Peek(context.Background(), store, invoiceScope)
	require.NoError(t, err)
	require.Equal(t, "11", next, "automatic numbering continues after the manual number")

	report, err := a.Audit(context.Background(), store, invoiceScope)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4, 5, 6, 7, 8, 9}, report.Gaps)
	require.False(t, report.Healthy())
}

func TestAllocateRejectsBadInput(t *testing.T) {
	store := newMemStore()
	a := newTestAllocator()

	_, err := a.Allocate(context.Background(), store, Scope{Kind: KindInvoice, Prefix: "F-", Year: 2026}, ModeFinal, "", "self")
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = a.Allocate(context.Background(), store, Scope{WorkspaceID: "ws-1", Kind: "RECEIPT", Prefix: "R-", Year: 2026}, ModeDraft, "", "self")
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = a.Allocate(context.Background(), store, invoiceScope, Mode("LATER"), "", "self")
	require.ErrorIs(t, err, ErrValidation)
}

func TestAudit(t *testing.T) {
	store := newMemStore()
	store.put(scopedDoc("a", "1", StatusPending))
	store.put(scopedDoc("b", "2", StatusCompleted))
	store.put(scopedDoc("c", "2", StatusPending))
	store.put(scopedDoc("d", "4", StatusCanceled))
	store.put(scopedDoc("e", "A-12", StatusPending))
	store.put(scopedDoc("f", "3", StatusDraft))

	report, err := newTestAllocator().Audit(context.Background(), store, invoiceScope)
	require.NoError(t, err)
	require.Equal(t, 5, report.Count)
	require.Equal(t, int64(4), report.Max)
	require.Equal(t, []int64{3}, report.Gaps)
	require.Equal(t, []string{"2"}, report.Duplicates)
	require.Equal(t, []string{"A-12"}, report.NonNumeric)
	require.False(t, report.Healthy())

	empty, err := newTestAllocator().Audit(context.Background(), newMemStore(), invoiceScope)
	require.NoError(t, err)
	require.True(t, empty.Healthy())
	require.Zero(t, empty.Count)
}

func TestSerializeHoldsLockUntilRelease(t *testing.T) {
	locker := NewMemoryLocker()
	a := NewAllocator(locker, nil)

	ctx, release := holdLocksUntil(context.Background())
	require.NoError(t, a.Serialize(ctx, invoiceScope, func(ctx context.Context) error {
		return a.Serialize(ctx, invoiceScope, func(context.Context) error { return nil })
	}))

	busy, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := locker.Lock(busy, invoiceScope)
	require.ErrorIs(t, err, ErrLockUnavailable)

	release()
	unlock, err := locker.Lock(context.Background(), invoiceScope)
	require.NoError(t, err)
	unlock()
}

func TestSerializeReleasesWithoutHold(t *testing.T) {
	locker := NewMemoryLocker()
	a := NewAllocator(locker, nil)

	sentinel := errors.New("boom")
	err := a.Serialize(context.Background(), invoiceScope, func(context.Context) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	unlock, err := locker.Lock(context.Background(), invoiceScope)
	require.NoError(t, err)
	unlock()
}

func TestConcurrentFinalizationIsGapless(t *testing.T) {
	store := newMemStore()
	svc := NewService(Dependencies{Store: store, Locker: NewMemoryLocker()})
	svc.SetClock(func() time.Time { return testNow })
	id := testIdentity()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Create(context.Background(), id, CreateDocumentRequest{
				Kind:   KindInvoice,
				Status: StatusPending,
				Client: Client{Name: fmt.Sprintf("Client %d", i)},
				Items:  []Item{{Quantity: 1, UnitPrice: 10, VATRate: 20}},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	report, err := svc.AuditNumbering(context.Background(), id, ScopeRequest{Kind: KindInvoice, Year: 2026})
	require.NoError(t, err)
	require.Equal(t, workers, report.Count)
	require.Equal(t, int64(workers), report.Max)
	require.True(t, report.Healthy(), "gaps=%v duplicates=%v", report.Gaps, report.Duplicates)
}

func TestDraftTokens(t *testing.T) {
	require.True(t, IsDraftToken("DRAFT-3-1773484200000007"))
	require.True(t, IsDraftToken("42-DRAFT-1773484200000"))
	require.True(t, IsDraftToken(PlaceholderNumber("doc-1", testNow)))
	require.False(t, IsDraftToken("42"))
	require.False(t, IsDraftToken("A-12"))
}
