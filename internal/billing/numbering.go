package billing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode selects the number space an allocation draws from.
type Mode string

const (
	ModeDraft Mode = "DRAFT"
	ModeFinal Mode = "FINAL"
)

const (
	draftMarker       = "DRAFT-"
	placeholderPrefix = "PENDING-"
	maxTokenAttempts  = 8
)

// Allocation is the outcome of a number allocation. Renamed lists drafts
// whose number was claimed by the allocation and that now hold a fresh token.
type Allocation struct {
	Number  string
	Renamed []Document
}

// NumberingReport summarises the finalized numbers of a scope.
type NumberingReport struct {
	Scope      Scope    `json:"scope"`
	Count      int      `json:"count"`
	Max        int64    `json:"max"`
	Gaps       []int64  `json:"gaps"`
	Duplicates []string `json:"duplicates"`
	NonNumeric []string `json:"non_numeric"`
}

// Healthy reports whether the scope has neither gaps nor duplicates.
func (r NumberingReport) Healthy() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0
}

// Allocator hands out draft tokens and gapless final numbers.
type Allocator struct {
	locker  Locker
	metrics *Metrics
	now     func() time.Time
	jitter  func() int
}

// NewAllocator constructs an Allocator. A nil locker falls back to an
// in-process MemoryLocker.
func NewAllocator(locker Locker, metrics *Metrics) *Allocator {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Allocator{
		locker:  locker,
		metrics: metrics,
		now:     time.Now,
		jitter:  func() int { return rand.IntN(1000) },
	}
}

type heldScopeKey struct{ key string }

type deferredReleaseKey struct{}

type deferredReleases struct {
	mu  sync.Mutex
	fns []func()
}

// holdLocksUntil returns a context in which scope locks taken by Serialize
// stay held until the returned func runs. Wrap a transaction with it so a
// lock outlives the commit of the number it protects.
func holdLocksUntil(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(deferredReleaseKey{}).(*deferredReleases); ok {
		return ctx, func() {}
	}
	held := &deferredReleases{}
	return context.WithValue(ctx, deferredReleaseKey{}, held), func() {
		held.mu.Lock()
		fns := held.fns
		held.fns = nil
		held.mu.Unlock()
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}

// Serialize runs fn while holding the scope lock. Final allocations made
// inside fn, and the writes persisting them, are serialised per scope.
func (a *Allocator) Serialize(ctx context.Context, scope Scope, fn func(context.Context) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if ctx.Value(heldScopeKey{scope.LockKey()}) != nil {
		return fn(ctx)
	}
	start := a.now()
	release, err := a.locker.Lock(ctx, scope)
	if err != nil {
		return err
	}
	if held, ok := ctx.Value(deferredReleaseKey{}).(*deferredReleases); ok {
		held.mu.Lock()
		held.fns = append(held.fns, release)
		held.mu.Unlock()
	} else {
		defer release()
	}
	a.metrics.observeLockWait(a.now().Sub(start))
	return fn(context.WithValue(ctx, heldScopeKey{scope.LockKey()}, true))
}

// Allocate returns a number for a document in scope. selfID names the
// document being numbered so its own rows never count as collisions.
//
// FINAL mode proposes max+1 (or validates manual against other non-draft
// documents), then renames any draft holding the chosen literal. The caller
// persists the number; wrap the allocation and the write in Serialize so no
// concurrent finalization can observe the same maximum.
func (a *Allocator) Allocate(ctx context.Context, store Store, scope Scope, mode Mode, manual, selfID string) (Allocation, error) {
	if err := scope.Validate(); err != nil {
		return Allocation{}, err
	}
	manual = strings.TrimSpace(manual)
	switch mode {
	case ModeDraft:
		return a.allocateDraft(ctx, store, scope, manual, selfID)
	case ModeFinal:
		var out Allocation
		err := a.Serialize(ctx, scope, func(ctx context.Context) error {
			var err error
			out, err = a.allocateFinal(ctx, store, scope, manual, selfID)
			return err
		})
		return out, err
	default:
		return Allocation{}, NewValidationError("mode", fmt.Sprintf("unknown allocation mode %q", mode))
	}
}

// Peek returns the number the next automatic finalization would receive.
func (a *Allocator) Peek(ctx context.Context, store Store, scope Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	next, err := a.nextFinal(ctx, store, scope)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(next, 10), nil
}

// Audit inspects the finalized numbers of scope for gaps and duplicates.
// Manual numbers placed out of order show up as gaps; they are reported,
// never renumbered.
func (a *Allocator) Audit(ctx context.Context, store Store, scope Scope) (NumberingReport, error) {
	if err := scope.Validate(); err != nil {
		return NumberingReport{}, err
	}
	numbers, err := store.ListFinalNumbers(ctx, scope)
	if err != nil {
		return NumberingReport{}, fmt.Errorf("list final numbers: %w", err)
	}
	report := NumberingReport{Scope: scope, Count: len(numbers), Gaps: []int64{}, Duplicates: []string{}, NonNumeric: []string{}}
	seen := make(map[int64]int, len(numbers))
	for _, n := range numbers {
		v, ok := parseFinal(n)
		if !ok {
			report.NonNumeric = append(report.NonNumeric, n)
			continue
		}
		seen[v]++
		if seen[v] == 2 {
			report.Duplicates = append(report.Duplicates, n)
		}
		if v > report.Max {
			report.Max = v
		}
	}
	for i := int64(1); i < report.Max; i++ {
		if seen[i] == 0 {
			report.Gaps = append(report.Gaps, i)
		}
	}
	sort.Strings(report.Duplicates)
	return report, nil
}

func (a *Allocator) allocateDraft(ctx context.Context, store Store, scope Scope, manual, selfID string) (Allocation, error) {
	if manual != "" {
		used, err := store.NumberExists(ctx, scope, manual, false, selfID)
		if err != nil {
			return Allocation{}, fmt.Errorf("check manual draft number: %w", err)
		}
		if used {
			return Allocation{}, &DuplicateNumberError{Scope: scope, Number: manual}
		}
		a.metrics.observeAllocation(ModeDraft, 0)
		return Allocation{Number: manual}, nil
	}

	next, err := a.nextFinal(ctx, store, scope)
	if err != nil {
		return Allocation{}, err
	}
	base := strconv.FormatInt(next, 10)
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := fmt.Sprintf("%s%s-%d%03d", draftMarker, base, a.now().UnixMilli(), a.jitter())
		used, err := store.NumberExists(ctx, scope, token, false, selfID)
		if err != nil {
			return Allocation{}, fmt.Errorf("check draft token: %w", err)
		}
		if !used {
			a.metrics.observeAllocation(ModeDraft, 0)
			return Allocation{Number: token}, nil
		}
	}
	return Allocation{}, fmt.Errorf("billing: could not allocate a free draft token in %s", scope)
}

func (a *Allocator) allocateFinal(ctx context.Context, store Store, scope Scope, manual, selfID string) (Allocation, error) {
	candidate := manual
	if manual != "" {
		if IsDraftToken(manual) {
			return Allocation{}, NewValidationError("number", "a finalized number cannot be a draft token")
		}
		used, err := store.NumberExists(ctx, scope, manual, true, selfID)
		if err != nil {
			return Allocation{}, fmt.Errorf("check manual number: %w", err)
		}
		if used {
			return Allocation{}, &DuplicateNumberError{Scope: scope, Number: manual}
		}
	} else {
		next, err := a.nextFinal(ctx, store, scope)
		if err != nil {
			return Allocation{}, err
		}
		candidate = strconv.FormatInt(next, 10)
	}

	renamed, err := a.sweepDrafts(ctx, store, scope, candidate, selfID)
	if err != nil {
		return Allocation{}, err
	}
	a.metrics.observeAllocation(ModeFinal, len(renamed))
	return Allocation{Number: candidate, Renamed: renamed}, nil
}

// sweepDrafts renames every other draft in scope holding number. The
// finalizing document always keeps the number it was assigned.
func (a *Allocator) sweepDrafts(ctx context.Context, store Store, scope Scope, number, selfID string) ([]Document, error) {
	drafts, err := store.FindDraftsWithNumber(ctx, scope, number)
	if err != nil {
		return nil, fmt.Errorf("find colliding drafts: %w", err)
	}
	var renamed []Document
	for _, draft := range drafts {
		if draft.ID == selfID {
			continue
		}
		token, err := a.renameToken(ctx, store, scope, number, draft.ID)
		if err != nil {
			return nil, err
		}
		draft.Number = token
		draft.UpdatedAt = a.now()
		if err := store.Save(ctx, &draft); err != nil {
			return nil, fmt.Errorf("rename draft %s: %w", draft.ID, err)
		}
		renamed = append(renamed, draft)
	}
	return renamed, nil
}

func (a *Allocator) renameToken(ctx context.Context, store Store, scope Scope, number, draftID string) (string, error) {
	token := fmt.Sprintf("%s-%s%d", number, draftMarker, a.now().UnixMilli())
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		used, err := store.NumberExists(ctx, scope, token, false, draftID)
		if err != nil {
			return "", fmt.Errorf("check rename token: %w", err)
		}
		if !used {
			return token, nil
		}
		token = fmt.Sprintf("%s-%s%d-%03d", number, draftMarker, a.now().UnixMilli(), a.jitter())
	}
	return "", fmt.Errorf("billing: could not rename draft %s in %s", draftID, scope)
}

func (a *Allocator) nextFinal(ctx context.Context, store Store, scope Scope) (int64, error) {
	last, ok, err := store.FindMaxFinalNumber(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("find max final number: %w", err)
	}
	if !ok {
		return 1, nil
	}
	return last + 1, nil
}

// PlaceholderNumber is the temporary number a document holds between the two
// writes of finalization. It is unique per document and draft-equivalent.
func PlaceholderNumber(id string, at time.Time) string {
	return fmt.Sprintf("%s%s-%d", placeholderPrefix, id, at.UnixMilli())
}

// IsDraftToken reports whether number belongs to the draft space.
func IsDraftToken(number string) bool {
	return strings.Contains(number, draftMarker) || strings.HasPrefix(number, placeholderPrefix)
}

func parseFinal(number string) (int64, bool) {
	if number == "" {
		return 0, false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
