package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

// allowedTransitions is the closed lifecycle table for invoices and quotes.
// Statuses missing from the keys are terminal.
var allowedTransitions = map[Status][]Status{
	StatusDraft:   {StatusPending, StatusCompleted},
	StatusPending: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionTrigger(from, to Status) string {
	return string(from) + "->" + string(to)
}

// TransitionResult carries the moved document and any drafts renamed to make
// room for its final number.
type TransitionResult struct {
	Document *Document
	Renamed  []Document
	Changed  bool
}

// TransitionOptions tunes a single transition.
type TransitionOptions struct {
	// Number is a manual final number used when the transition finalizes.
	Number string
	// PaymentDate is stamped when the document is marked paid.
	PaymentDate *time.Time
	UpdatedBy   string
}

// Engine validates and executes lifecycle transitions.
type Engine struct {
	allocator *Allocator
	now       func() time.Time
}

// NewEngine builds an Engine that finalizes numbers through allocator.
func NewEngine(allocator *Allocator) *Engine {
	return &Engine{allocator: allocator, now: time.Now}
}

// Transition moves doc to target and persists it through store. Leaving DRAFT
// finalizes the document: the issue date must not be in the past and the
// draft number is replaced by a final one in two writes (placeholder, then
// number) while the scope lock is held.
func (e *Engine) Transition(ctx context.Context, store Store, doc *Document, target Status, opts TransitionOptions) (TransitionResult, error) {
	if doc == nil {
		return TransitionResult{}, ErrNotFound
	}
	if doc.Kind == KindCreditNote {
		return TransitionResult{}, &TransitionError{From: doc.Status, To: target}
	}
	if !target.IsValid() || target == StatusCreated {
		return TransitionResult{}, NewValidationError("status", fmt.Sprintf("unknown status %q", target))
	}
	if target == doc.Status {
		return TransitionResult{Document: doc}, nil
	}

	result := TransitionResult{Document: doc}
	now := e.now()
	machine := e.machine(ctx, store, doc, &result, opts, now)
	if err := machine.FireCtx(ctx, transitionTrigger(doc.Status, target)); err != nil {
		return TransitionResult{}, err
	}
	result.Changed = true
	return result, nil
}

// MarkPaid records a payment. It is legal from PENDING (which completes the
// document) and from COMPLETED when the payment date is unchanged.
func (e *Engine) MarkPaid(ctx context.Context, store Store, doc *Document, paymentDate time.Time, updatedBy string) (TransitionResult, error) {
	if doc == nil {
		return TransitionResult{}, ErrNotFound
	}
	if doc.Kind != KindInvoice {
		return TransitionResult{}, NewValidationError("kind", "only invoices can be marked as paid")
	}
	paid := dateOnly(paymentDate)
	switch doc.Status {
	case StatusPending:
		return e.Transition(ctx, store, doc, StatusCompleted, TransitionOptions{PaymentDate: &paid, UpdatedBy: updatedBy})
	case StatusCompleted:
		if doc.PaymentDate != nil && dateOnly(*doc.PaymentDate).Equal(paid) {
			return TransitionResult{Document: doc}, nil
		}
		return TransitionResult{}, NewValidationError("payment_date", "document is already paid with a different payment date")
	default:
		return TransitionResult{}, &TransitionError{From: doc.Status, To: StatusCompleted}
	}
}

// machine compiles the lifecycle table into a state machine bound to doc.
func (e *Engine) machine(ctx context.Context, store Store, doc *Document, result *TransitionResult, opts TransitionOptions, now time.Time) *stateless.StateMachine {
	machine := stateless.NewStateMachine(doc.Status)
	machine.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		from, _ := state.(Status)
		return &TransitionError{From: from, To: targetOf(trigger)}
	})

	for _, from := range []Status{StatusDraft, StatusPending, StatusCompleted, StatusCanceled} {
		cfg := machine.Configure(from)
		for _, to := range allowedTransitions[from] {
			cfg.Permit(transitionTrigger(from, to), to)
		}
	}

	for _, to := range allowedTransitions[StatusDraft] {
		to := to
		machine.Configure(to).OnEntryFrom(transitionTrigger(StatusDraft, to), func(ctx context.Context, _ ...any) error {
			renamed, err := e.finalize(ctx, store, doc, to, opts, now)
			if err != nil {
				return err
			}
			result.Renamed = renamed
			return nil
		})
	}
	for _, to := range allowedTransitions[StatusPending] {
		to := to
		machine.Configure(to).OnEntryFrom(transitionTrigger(StatusPending, to), func(ctx context.Context, _ ...any) error {
			next := doc.Clone()
			next.Status = to
			if to == StatusCompleted && opts.PaymentDate != nil {
				paid := *opts.PaymentDate
				next.PaymentDate = &paid
			}
			stamp(&next, opts.UpdatedBy, now)
			if err := store.Save(ctx, &next); err != nil {
				return err
			}
			*doc = next
			return nil
		})
	}
	return machine
}

// finalize assigns the final number. The document first takes a placeholder so
// its old draft token leaves the scope before the final number is written.
func (e *Engine) finalize(ctx context.Context, store Store, doc *Document, to Status, opts TransitionOptions, now time.Time) ([]Document, error) {
	if dateOnly(doc.IssueDate).Before(dateOnly(now)) {
		return nil, NewValidationError("issue_date", "a finalized document cannot be dated before today")
	}
	scope := doc.Scope()
	var renamed []Document
	err := e.allocator.Serialize(ctx, scope, func(ctx context.Context) error {
		staged := doc.Clone()
		staged.Number = PlaceholderNumber(doc.ID, now)
		if err := store.Save(ctx, &staged); err != nil {
			return fmt.Errorf("stage placeholder: %w", err)
		}

		alloc, err := e.allocator.Allocate(ctx, store, scope, ModeFinal, opts.Number, doc.ID)
		if err != nil {
			return err
		}

		final := staged
		final.Number = alloc.Number
		final.Status = to
		if to == StatusCompleted && opts.PaymentDate != nil {
			paid := *opts.PaymentDate
			final.PaymentDate = &paid
		}
		stamp(&final, opts.UpdatedBy, now)
		if err := store.Save(ctx, &final); err != nil {
			return err
		}
		*doc = final
		renamed = alloc.Renamed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renamed, nil
}

func targetOf(trigger stateless.Trigger) Status {
	s, _ := trigger.(string)
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '>' && s[i-1] == '-' {
			return Status(s[i+1:])
		}
	}
	return Status(s)
}

func stamp(doc *Document, by string, now time.Time) {
	if by != "" {
		doc.UpdatedBy = by
	}
	doc.UpdatedAt = now
}

// dateOnly drops the time of day, keeping the calendar date of t's location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
