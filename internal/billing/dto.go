package billing

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateDocumentRequest creates an invoice or a quote. A non-draft status
// finalizes the document on creation.
type CreateDocumentRequest struct {
	Kind         Kind         `json:"kind" validate:"required,oneof=INVOICE QUOTE"`
	Prefix       string       `json:"prefix,omitempty" validate:"omitempty,max=10"`
	Number       string       `json:"number,omitempty" validate:"omitempty,max=50"`
	Status       Status       `json:"status,omitempty" validate:"omitempty,oneof=DRAFT PENDING COMPLETED"`
	IssueDate    *time.Time   `json:"issue_date,omitempty"`
	DueDate      *time.Time   `json:"due_date,omitempty"`
	Client       Client       `json:"client" validate:"required"`
	Items        []Item       `json:"items" validate:"dive"`
	Discount     float64      `json:"discount,omitempty" validate:"gte=0"`
	DiscountType DiscountType `json:"discount_type,omitempty" validate:"omitempty,oneof=FIXED PERCENTAGE"`
	Shipping     *Shipping    `json:"shipping,omitempty"`

	IsReverseCharge     bool    `json:"is_reverse_charge"`
	IsSituation         bool    `json:"is_situation"`
	SituationReference  string  `json:"situation_reference,omitempty" validate:"omitempty,max=100"`
	PurchaseOrderNumber string  `json:"purchase_order_number,omitempty" validate:"omitempty,max=100"`
	ContractTotal       float64 `json:"contract_total,omitempty" validate:"gte=0"`
	LinkedQuoteID       string  `json:"linked_quote_id,omitempty" validate:"omitempty,uuid"`
	Notes               string  `json:"notes,omitempty" validate:"max=2000"`
}

// UpdateDocumentRequest is a partial update. Nil fields are left untouched;
// a non-nil Items replaces every line.
type UpdateDocumentRequest struct {
	Prefix       *string       `json:"prefix,omitempty" validate:"omitempty,max=10"`
	Number       *string       `json:"number,omitempty" validate:"omitempty,max=50"`
	Status       *Status       `json:"status,omitempty" validate:"omitempty,oneof=DRAFT PENDING COMPLETED CANCELED"`
	IssueDate    *time.Time    `json:"issue_date,omitempty"`
	DueDate      *time.Time    `json:"due_date,omitempty"`
	Client       *Client       `json:"client,omitempty"`
	Items        *[]Item       `json:"items,omitempty" validate:"omitempty,dive"`
	Discount     *float64      `json:"discount,omitempty" validate:"omitempty,gte=0"`
	DiscountType *DiscountType `json:"discount_type,omitempty" validate:"omitempty,oneof=FIXED PERCENTAGE"`
	Shipping     *Shipping     `json:"shipping,omitempty"`

	IsReverseCharge     *bool    `json:"is_reverse_charge,omitempty"`
	IsSituation         *bool    `json:"is_situation,omitempty"`
	SituationReference  *string  `json:"situation_reference,omitempty" validate:"omitempty,max=100"`
	PurchaseOrderNumber *string  `json:"purchase_order_number,omitempty" validate:"omitempty,max=100"`
	ContractTotal       *float64 `json:"contract_total,omitempty" validate:"omitempty,gte=0"`
	Notes               *string  `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// Touches reports whether the request changes anything besides the status.
func (r UpdateDocumentRequest) Touches() bool {
	return r.Prefix != nil || r.Number != nil || r.IssueDate != nil || r.DueDate != nil ||
		r.Client != nil || r.Items != nil || r.Discount != nil || r.DiscountType != nil ||
		r.Shipping != nil || r.IsReverseCharge != nil || r.IsSituation != nil ||
		r.SituationReference != nil || r.PurchaseOrderNumber != nil || r.ContractTotal != nil ||
		r.Notes != nil
}

// ChangeStatusRequest moves a document to Status. Number is a manual final
// number, used only when the move finalizes a draft.
type ChangeStatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=DRAFT PENDING COMPLETED CANCELED"`
	Number string `json:"number,omitempty" validate:"omitempty,max=50"`
}

// MarkPaidRequest records when an invoice was paid.
type MarkPaidRequest struct {
	PaymentDate time.Time `json:"payment_date" validate:"required"`
}

// CreateCreditNoteRequest credits part or all of an invoice. Without items the
// whole invoice is credited.
type CreateCreditNoteRequest struct {
	Prefix    string     `json:"prefix,omitempty" validate:"omitempty,max=10"`
	IssueDate *time.Time `json:"issue_date,omitempty"`
	Reason    string     `json:"reason,omitempty" validate:"max=2000"`
	Items     []Item     `json:"items,omitempty" validate:"omitempty,dive"`
}

// TotalsRequest previews totals without a stored document.
type TotalsRequest struct {
	Kind            Kind         `json:"kind,omitempty" validate:"omitempty,oneof=INVOICE QUOTE CREDIT_NOTE"`
	Items           []Item       `json:"items" validate:"dive"`
	Discount        float64      `json:"discount,omitempty" validate:"gte=0"`
	DiscountType    DiscountType `json:"discount_type,omitempty" validate:"omitempty,oneof=FIXED PERCENTAGE"`
	Shipping        *Shipping    `json:"shipping,omitempty"`
	IsReverseCharge bool         `json:"is_reverse_charge"`
}

// ListDocumentsRequest filters and pages the workspace documents.
type ListDocumentsRequest struct {
	Kind     *Kind      `json:"kind,omitempty"`
	Status   *Status    `json:"status,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Limit    int        `json:"limit" validate:"gte=0,lte=1000"`
	Offset   int        `json:"offset" validate:"gte=0"`
}

// ScopeRequest names a numbering scope. An empty prefix means the kind's
// default prefix.
type ScopeRequest struct {
	Kind   Kind   `json:"kind" validate:"required,oneof=INVOICE QUOTE CREDIT_NOTE"`
	Prefix string `json:"prefix,omitempty" validate:"omitempty,max=10"`
	Year   int    `json:"year" validate:"required,gte=1900,lte=9999"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a request struct and reports failures keyed by JSON path.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Fields: map[string]string{"request": err.Error()}}
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Add(fieldPath(fe.Namespace()), describe(fe))
	}
	return out
}

func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "email":
		return "must be a valid email"
	case "uuid":
		return "must be a valid identifier"
	default:
		return "is invalid"
	}
}

// checkDiscounts rejects percentage discounts above 100.
func checkDiscounts(items []Item, discount float64, discountType DiscountType) error {
	verr := &ValidationError{}
	if discountType == DiscountPercentage && discount > 100 {
		verr.Add("discount", "percentage discount cannot exceed 100")
	}
	for i, item := range items {
		if item.DiscountType == DiscountPercentage && item.Discount > 100 {
			verr.Add("items["+strconv.Itoa(i)+"].discount", "percentage discount cannot exceed 100")
		}
	}
	return verr.OrNil()
}
