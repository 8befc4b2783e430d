package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ValidateCap rejects a candidate amount that would push a chain past its
// contract. Amounts are compared in cents; there is no upper tolerance.
func ValidateCap(candidate, existing, contract float64) error {
	c := round2(decimal.NewFromFloat(candidate))
	e := round2(decimal.NewFromFloat(existing))
	k := round2(decimal.NewFromFloat(contract))
	if e.Add(c).LessThanOrEqual(k) {
		return nil
	}
	remaining := decimal.Max(k.Sub(e), decimal.Zero)
	return &CapExceededError{
		Contract:  k.InexactFloat64(),
		Billed:    e.InexactFloat64(),
		Candidate: c.InexactFloat64(),
		Remaining: remaining.InexactFloat64(),
	}
}

// CapValidator enforces contract caps on situation chains and credit notes.
type CapValidator struct {
	store   Store
	metrics *Metrics
}

// NewCapValidator builds a CapValidator. store must tolerate concurrent reads.
func NewCapValidator(store Store, metrics *Metrics) *CapValidator {
	return &CapValidator{store: store, metrics: metrics}
}

// Check validates doc against its contract. Totals are recomputed from the
// items so client supplied amounts are never trusted.
func (v *CapValidator) Check(ctx context.Context, doc *Document) error {
	if doc == nil || doc.Status == StatusCanceled {
		return nil
	}
	candidate := doc.Clone()
	candidate.Recalculate()

	var err error
	switch {
	case candidate.Kind == KindCreditNote:
		err = v.checkCreditNote(ctx, &candidate)
	case candidate.Kind == KindInvoice && candidate.IsSituation:
		err = v.checkSituation(ctx, &candidate)
	}
	var capErr *CapExceededError
	if errors.As(err, &capErr) {
		v.metrics.observeCapRejection()
	}
	return err
}

// ContractTotal resolves the contract amount of a situation chain and the
// total already billed by the other documents in it.
func (v *CapValidator) ContractTotal(ctx context.Context, doc *Document) (contract, billed float64, err error) {
	reference := chainReference(doc)

	var (
		quote    *Document
		siblings []Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := v.linkedQuote(gctx, doc)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	g.Go(func() error {
		if reference == "" {
			return nil
		}
		found, err := v.store.FindSiblings(gctx, doc.WorkspaceID, reference)
		if err != nil {
			return fmt.Errorf("find situation siblings: %w", err)
		}
		for _, s := range found {
			if s.ID == doc.ID || s.Status == StatusCanceled || s.Kind != KindInvoice {
				continue
			}
			siblings = append(siblings, s)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	sum := decimal.Zero
	for _, s := range siblings {
		sum = sum.Add(decimal.NewFromFloat(s.FinalTotalTTC))
	}
	billed = round2(sum).InexactFloat64()

	switch {
	case quote != nil:
		contract = quote.FinalTotalTTC
	case len(siblings) > 0:
		first := siblings[0]
		contract = first.ContractTotal
		if contract <= 0 {
			contract = ContractValue(first.Items, first.Discount, first.DiscountType, first.Shipping, first.IsReverseCharge)
		}
	default:
		contract = doc.ContractTotal
		if contract <= 0 {
			contract = ContractValue(doc.Items, doc.Discount, doc.DiscountType, doc.Shipping, doc.IsReverseCharge)
		}
	}
	return contract, billed, nil
}

func (v *CapValidator) checkSituation(ctx context.Context, doc *Document) error {
	contract, billed, err := v.ContractTotal(ctx, doc)
	if err != nil {
		return err
	}
	if contract <= 0 {
		return nil
	}
	return ValidateCap(doc.FinalTotalTTC, billed, contract)
}

// checkCreditNote caps the credited amount by the original invoice total
// minus what earlier credit notes already returned.
func (v *CapValidator) checkCreditNote(ctx context.Context, doc *Document) error {
	if doc.OriginalInvoiceID == "" {
		return NewValidationError("original_invoice_id", "credit note requires an original invoice")
	}
	invoice, err := v.store.Get(ctx, doc.OriginalInvoiceID)
	if errors.Is(err, ErrNotFound) || (err == nil && (invoice.WorkspaceID != doc.WorkspaceID || invoice.Kind != KindInvoice)) {
		return NewValidationError("original_invoice_id", "original invoice not found")
	}
	if err != nil {
		return fmt.Errorf("load original invoice: %w", err)
	}
	notes, err := v.store.FindCreditNotes(ctx, doc.WorkspaceID, invoice.ID)
	if err != nil {
		return fmt.Errorf("find credit notes: %w", err)
	}
	credited := decimal.Zero
	for _, n := range notes {
		if n.ID == doc.ID {
			continue
		}
		credited = credited.Add(decimal.NewFromFloat(n.FinalTotalTTC).Abs())
	}
	amount := decimal.NewFromFloat(doc.FinalTotalTTC).Abs()
	return ValidateCap(amount.InexactFloat64(), credited.InexactFloat64(), invoice.FinalTotalTTC)
}

// linkedQuote returns the finalized quote the chain bills against, if any.
func (v *CapValidator) linkedQuote(ctx context.Context, doc *Document) (*Document, error) {
	var (
		quote *Document
		err   error
	)
	switch {
	case doc.LinkedQuoteID != "":
		quote, err = v.store.Get(ctx, doc.LinkedQuoteID)
	case doc.PurchaseOrderNumber != "":
		quote, err = v.store.FindByNumber(ctx, doc.WorkspaceID, KindQuote, doc.PurchaseOrderNumber)
	default:
		return nil, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load linked quote: %w", err)
	}
	if quote.WorkspaceID != doc.WorkspaceID || quote.Kind != KindQuote {
		return nil, nil
	}
	if quote.Status == StatusDraft || quote.Status == StatusCanceled {
		return nil, nil
	}
	return quote, nil
}

func chainReference(doc *Document) string {
	if doc.SituationReference != "" {
		return doc.SituationReference
	}
	return doc.PurchaseOrderNumber
}
