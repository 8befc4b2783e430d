// Package billing numbers, totals and transitions invoices, quotes and credit notes.
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Kind identifies the document collection. Each kind numbers independently.
type Kind string

const (
	KindInvoice    Kind = "INVOICE"
	KindQuote      Kind = "QUOTE"
	KindCreditNote Kind = "CREDIT_NOTE"
)

// IsValid reports whether the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindInvoice, KindQuote, KindCreditNote:
		return true
	default:
		return false
	}
}

// DefaultPrefix returns the numbering prefix used when the caller does not supply one.
func (k Kind) DefaultPrefix() string {
	switch k {
	case KindQuote:
		return "D-"
	case KindCreditNote:
		return "AV-"
	default:
		return "F-"
	}
}

// Status represents the lifecycle of a billing document.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	// StatusCreated is the single fixed state of credit notes.
	StatusCreated Status = "CREATED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusCompleted, StatusCanceled, StatusCreated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status accepts no further changes.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// CanEdit checks if a document in this status accepts field mutations.
func (s Status) CanEdit() bool {
	return s == StatusDraft || s == StatusPending
}

// CanDelete checks if a document in this status can be removed. Finalized
// numbers are never released, so only drafts qualify.
func (s Status) CanDelete() bool {
	return s == StatusDraft
}

// DiscountType selects how a discount value is interpreted.
type DiscountType string

const (
	DiscountFixed      DiscountType = "FIXED"
	DiscountPercentage DiscountType = "PERCENTAGE"
)

// Item is a billable line.
type Item struct {
	Description  string       `json:"description" validate:"max=500"`
	Quantity     float64      `json:"quantity"`
	UnitPrice    float64      `json:"unit_price"`
	VATRate      float64      `json:"vat_rate" validate:"gte=0,lte=100"`
	Discount     float64      `json:"discount,omitempty" validate:"gte=0"`
	DiscountType DiscountType `json:"discount_type,omitempty" validate:"omitempty,oneof=FIXED PERCENTAGE"`
	// ProgressPercentage is the share of the line billed by this document
	// (situation billing). Nil means 100.
	ProgressPercentage *float64 `json:"progress_percentage,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Progress returns the effective progress percentage of the line.
func (i Item) Progress() float64 {
	if i.ProgressPercentage == nil {
		return 100
	}
	return *i.ProgressPercentage
}

// Shipping describes billed delivery costs.
type Shipping struct {
	BillShipping     bool    `json:"bill_shipping"`
	ShippingAmountHT float64 `json:"shipping_amount_ht" validate:"gte=0"`
	ShippingVATRate  float64 `json:"shipping_vat_rate" validate:"gte=0,lte=100"`
}

// Totals holds every derived amount of a document.
type Totals struct {
	TotalHT        float64 `json:"total_ht"`
	TotalVAT       float64 `json:"total_vat"`
	TotalTTC       float64 `json:"total_ttc"`
	FinalTotalHT   float64 `json:"final_total_ht"`
	FinalTotalVAT  float64 `json:"final_total_vat"`
	FinalTotalTTC  float64 `json:"final_total_ttc"`
	DiscountAmount float64 `json:"discount_amount"`
}

// Client is the billed party.
type Client struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Attachment is a stored source file linked to a document.
type Attachment struct {
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Document generalises invoices, quotes and credit notes.
type Document struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Kind        Kind   `json:"kind"`
	Prefix      string `json:"prefix"`
	Number      string `json:"number"`
	Status      Status `json:"status"`

	IssueDate   time.Time  `json:"issue_date"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	PaymentDate *time.Time `json:"payment_date,omitempty"`

	Client Client `json:"client"`
	Items  []Item `json:"items"`

	Discount        float64      `json:"discount,omitempty"`
	DiscountType    DiscountType `json:"discount_type,omitempty"`
	Shipping        *Shipping    `json:"shipping,omitempty"`
	IsReverseCharge bool         `json:"is_reverse_charge"`

	Totals

	IsSituation         bool    `json:"is_situation"`
	SituationReference  string  `json:"situation_reference,omitempty"`
	PurchaseOrderNumber string  `json:"purchase_order_number,omitempty"`
	ContractTotal       float64 `json:"contract_total,omitempty"`
	LinkedQuoteID       string  `json:"linked_quote_id,omitempty"`
	OriginalInvoiceID   string  `json:"original_invoice_id,omitempty"`

	Notes       string       `json:"notes,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueYear is the numbering year derived from the issue date.
func (d *Document) IssueYear() int {
	return d.IssueDate.Year()
}

// Scope returns the numbering scope the document belongs to.
func (d *Document) Scope() Scope {
	return Scope{WorkspaceID: d.WorkspaceID, Kind: d.Kind, Prefix: d.Prefix, Year: d.IssueYear()}
}

// Recalculate recomputes all derived totals from the document inputs.
func (d *Document) Recalculate() {
	if d.Kind == KindCreditNote {
		d.Totals = ComputeCreditNoteTotals(d.Items, d.Discount, d.DiscountType, d.Shipping, d.IsReverseCharge)
		return
	}
	d.Totals = ComputeTotals(d.Items, d.Discount, d.DiscountType, d.Shipping, d.IsReverseCharge)
}

// Clone returns a deep copy so callers can stage changes without aliasing.
func (d Document) Clone() Document {
	out := d
	if d.Items != nil {
		out.Items = make([]Item, len(d.Items))
		for i, item := range d.Items {
			if item.ProgressPercentage != nil {
				p := *item.ProgressPercentage
				item.ProgressPercentage = &p
			}
			out.Items[i] = item
		}
	}
	if d.Shipping != nil {
		s := *d.Shipping
		out.Shipping = &s
	}
	if d.DueDate != nil {
		t := *d.DueDate
		out.DueDate = &t
	}
	if d.PaymentDate != nil {
		t := *d.PaymentDate
		out.PaymentDate = &t
	}
	if d.Attachments != nil {
		out.Attachments = append([]Attachment(nil), d.Attachments...)
	}
	return out
}

// Scope is the unit of number uniqueness and sequencing.
type Scope struct {
	WorkspaceID string
	Kind        Kind
	Prefix      string
	Year        int
}

// Validate rejects scopes missing their workspace or prefix.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace required", ErrInvalidScope)
	}
	if strings.TrimSpace(s.Prefix) == "" {
		return fmt.Errorf("%w: prefix required", ErrInvalidScope)
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s.Kind)
	}
	return nil
}

// LockKey builds the redis key guarding final allocation in the scope.
func (s Scope) LockKey() string {
	return shared.NumberingLockKey(s.WorkspaceID, string(s.Kind), s.Prefix, s.Year)
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", s.WorkspaceID, s.Kind, s.Prefix, s.Year)
}
