package billing

import (
	"context"
	"time"
)

// Store is the persistence port the billing core is written against.
type Store interface {
	// WithTx runs fn with a Store bound to one transaction.
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error

	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	// Save inserts or replaces the document. Implementations reject a
	// non-draft number already held by another non-draft document in scope
	// with a *DuplicateNumberError.
	Save(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id string) error

	// FindMaxFinalNumber returns the numerically largest plain number held by
	// a non-draft document in scope; ok is false when there is none.
	FindMaxFinalNumber(ctx context.Context, scope Scope) (max int64, ok bool, err error)
	// NumberExists reports whether any document in scope other than
	// excludeID holds number. finalOnly restricts the check to non-drafts.
	NumberExists(ctx context.Context, scope Scope, number string, finalOnly bool, excludeID string) (bool, error)
	FindDraftsWithNumber(ctx context.Context, scope Scope, number string) ([]Document, error)
	ListFinalNumbers(ctx context.Context, scope Scope) ([]string, error)
	ListScopes(ctx context.Context) ([]Scope, error)

	FindSiblings(ctx context.Context, workspaceID, situationReference string) ([]Document, error)
	FindByNumber(ctx context.Context, workspaceID string, kind Kind, number string) (*Document, error)
	FindCreditNotes(ctx context.Context, workspaceID, invoiceID string) ([]Document, error)
}

// ListFilter narrows List results to one workspace.
type ListFilter struct {
	WorkspaceID string
	Kind        *Kind
	Status      *Status
	DateFrom    *time.Time
	DateTo      *time.Time
	Limit       int
	Offset      int
}
