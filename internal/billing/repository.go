package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
)

const (
	uniqueViolation     = "23505"
	finalNumberIndex    = "ux_billing_documents_final_number"
	documentColumns     = `id::text, workspace_id, kind, prefix, number, status, issue_date, due_date, payment_date, client, items, discount::double precision, discount_type, shipping, is_reverse_charge, total_ht::double precision, total_vat::double precision, total_ttc::double precision, final_total_ht::double precision, final_total_vat::double precision, final_total_ttc::double precision, discount_amount::double precision, is_situation, situation_reference, purchase_order_number, contract_total::double precision, COALESCE(linked_quote_id::text, ''), COALESCE(original_invoice_id::text, ''), notes, attachments, created_by, updated_by, created_at, updated_at`
	scopePredicate      = `workspace_id = $1 AND kind = $2 AND prefix = $3 AND issue_year = $4`
	numericFinalPattern = `'^[0-9]{1,18}$'`
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository is the Postgres Store.
type Repository struct {
	db   dbtx
	pool *pgxpool.Pool
	inTx bool
}

// NewRepository builds a Repository over pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// WithTx runs fn inside a read-committed transaction. Nested calls reuse the
// open transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	// Read committed so a scope lock holder sees numbers committed by the
	// previous holder even when its snapshot predates the lock.
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx, pool: r.pool, inTx: true})
	})
}

func (r *Repository) Get(ctx context.Context, id string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM billing_documents WHERE id::text = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	conditions := []string{"workspace_id = $1"}
	args := []interface{}{filter.WorkspaceID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Kind != nil {
		add("kind = $%d", string(*filter.Kind))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.DateFrom != nil {
		add("issue_date >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("issue_date <= $%d", *filter.DateTo)
	}
	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM billing_documents "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM billing_documents %s ORDER BY issue_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		documentColumns, where, len(args)-1, len(args))
	docs, err := r.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (r *Repository) Save(ctx context.Context, doc *Document) error {
	client, err := json.Marshal(doc.Client)
	if err != nil {
		return err
	}
	items, err := json.Marshal(doc.Items)
	if err != nil {
		return err
	}
	var shipping []byte
	if doc.Shipping != nil {
		if shipping, err = json.Marshal(doc.Shipping); err != nil {
			return err
		}
	}
	attachments, err := json.Marshal(doc.Attachments)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `INSERT INTO billing_documents (
		id, workspace_id, kind, prefix, number, status, issue_date, issue_year, due_date, payment_date,
		client, items, discount, discount_type, shipping, is_reverse_charge,
		total_ht, total_vat, total_ttc, final_total_ht, final_total_vat, final_total_ttc, discount_amount,
		is_situation, situation_reference, purchase_order_number, contract_total, linked_quote_id, original_invoice_id,
		notes, attachments, created_by, updated_by, created_at, updated_at
	) VALUES (
		$1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23,
		$24, $25, $26, $27, NULLIF($28, '')::uuid, NULLIF($29, '')::uuid,
		$30, $31, $32, $33, $34, $35
	)
	ON CONFLICT (id) DO UPDATE SET
		prefix = EXCLUDED.prefix, number = EXCLUDED.number, status = EXCLUDED.status,
		issue_date = EXCLUDED.issue_date, issue_year = EXCLUDED.issue_year,
		due_date = EXCLUDED.due_date, payment_date = EXCLUDED.payment_date,
		client = EXCLUDED.client, items = EXCLUDED.items, discount = EXCLUDED.discount,
		discount_type = EXCLUDED.discount_type, shipping = EXCLUDED.shipping,
		is_reverse_charge = EXCLUDED.is_reverse_charge,
		total_ht = EXCLUDED.total_ht, total_vat = EXCLUDED.total_vat, total_ttc = EXCLUDED.total_ttc,
		final_total_ht = EXCLUDED.final_total_ht, final_total_vat = EXCLUDED.final_total_vat,
		final_total_ttc = EXCLUDED.final_total_ttc, discount_amount = EXCLUDED.discount_amount,
		is_situation = EXCLUDED.is_situation, situation_reference = EXCLUDED.situation_reference,
		purchase_order_number = EXCLUDED.purchase_order_number, contract_total = EXCLUDED.contract_total,
		linked_quote_id = EXCLUDED.linked_quote_id, original_invoice_id = EXCLUDED.original_invoice_id,
		notes = EXCLUDED.notes, attachments = EXCLUDED.attachments,
		updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.WorkspaceID, string(doc.Kind), doc.Prefix, doc.Number, string(doc.Status),
		pgDate(&doc.IssueDate), doc.IssueYear(), pgDate(doc.DueDate), pgDate(doc.PaymentDate),
		client, items, doc.Discount, string(doc.DiscountType), shipping, doc.IsReverseCharge,
		doc.TotalHT, doc.TotalVAT, doc.TotalTTC, doc.FinalTotalHT, doc.FinalTotalVAT, doc.FinalTotalTTC, doc.DiscountAmount,
		doc.IsSituation, doc.SituationReference, doc.PurchaseOrderNumber, doc.ContractTotal, doc.LinkedQuoteID, doc.OriginalInvoiceID,
		doc.Notes, attachments, doc.CreatedBy, doc.UpdatedBy, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == finalNumberIndex {
			return &DuplicateNumberError{Scope: doc.Scope(), Number: doc.Number}
		}
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM billing_documents WHERE id::text = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) FindMaxFinalNumber(ctx context.Context, scope Scope) (int64, bool, error) {
	var last pgtype.Int8
	err := r.db.QueryRow(ctx, `SELECT MAX(number::bigint) FROM billing_documents
		WHERE `+scopePredicate+` AND status <> 'DRAFT' AND number ~ `+numericFinalPattern,
		scope.WorkspaceID, string(scope.Kind), scope.Prefix, scope.Year).Scan(&last)
	if err != nil {
		return 0, false, err
	}
	return last.Int64, last.Valid, nil
}

func (r *Repository) NumberExists(ctx context.Context, scope Scope, number string, finalOnly bool, excludeID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM billing_documents WHERE ` + scopePredicate + ` AND number = $5 AND ($6 = '' OR id::text <> $6)`
	if finalOnly {
		query += ` AND status <> 'DRAFT'`
	}
	query += `)`
	var exists bool
	err := r.db.QueryRow(ctx, query, scope.WorkspaceID, string(scope.Kind), scope.Prefix, scope.Year, number, excludeID).Scan(&exists)
	return exists, err
}

func (r *Repository) FindDraftsWithNumber(ctx context.Context, scope Scope, number string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM billing_documents WHERE ` + scopePredicate + ` AND number = $5 AND status = 'DRAFT' ORDER BY created_at`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	return r.queryDocuments(ctx, query, scope.WorkspaceID, string(scope.Kind), scope.Prefix, scope.Year, number)
}

func (r *Repository) ListFinalNumbers(ctx context.Context, scope Scope) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT number FROM billing_documents WHERE `+scopePredicate+` AND status <> 'DRAFT' ORDER BY number`,
		scope.WorkspaceID, string(scope.Kind), scope.Prefix, scope.Year)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Repository) ListScopes(ctx context.Context) ([]Scope, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT workspace_id, kind, prefix, issue_year FROM billing_documents WHERE status <> 'DRAFT' ORDER BY workspace_id, kind, prefix, issue_year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var s Scope
		var kind string
		if err := rows.Scan(&s.WorkspaceID, &kind, &s.Prefix, &s.Year); err != nil {
			return nil, err
		}
		s.Kind = Kind(kind)
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func (r *Repository) FindSiblings(ctx context.Context, workspaceID, situationReference string) ([]Document, error) {
	return r.queryDocuments(ctx, `SELECT `+documentColumns+` FROM billing_documents
		WHERE workspace_id = $1 AND is_situation AND (situation_reference = $2 OR (situation_reference = '' AND purchase_order_number = $2))
		ORDER BY created_at, id`, workspaceID, situationReference)
}

func (r *Repository) FindByNumber(ctx context.Context, workspaceID string, kind Kind, number string) (*Document, error) {
	doc, err := scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM billing_documents
		WHERE workspace_id = $1 AND kind = $2 AND number = $3
		ORDER BY (status = 'DRAFT'), issue_date DESC LIMIT 1`, workspaceID, string(kind), number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func (r *Repository) FindCreditNotes(ctx context.Context, workspaceID, invoiceID string) ([]Document, error) {
	return r.queryDocuments(ctx, `SELECT `+documentColumns+` FROM billing_documents
		WHERE workspace_id = $1 AND kind = 'CREDIT_NOTE' AND original_invoice_id::text = $2
		ORDER BY created_at`, workspaceID, invoiceID)
}

func (r *Repository) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]Document, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc                                  Document
		kind, status, discountType           string
		issueDate, dueDate, paymentDate      pgtype.Date
		client, items, shipping, attachments []byte
	)
	err := row.Scan(
		&doc.ID, &doc.WorkspaceID, &kind, &doc.Prefix, &doc.Number, &status,
		&issueDate, &dueDate, &paymentDate,
		&client, &items, &doc.Discount, &discountType, &shipping, &doc.IsReverseCharge,
		&doc.TotalHT, &doc.TotalVAT, &doc.TotalTTC, &doc.FinalTotalHT, &doc.FinalTotalVAT, &doc.FinalTotalTTC, &doc.DiscountAmount,
		&doc.IsSituation, &doc.SituationReference, &doc.PurchaseOrderNumber, &doc.ContractTotal,
		&doc.LinkedQuoteID, &doc.OriginalInvoiceID,
		&doc.Notes, &attachments, &doc.CreatedBy, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Kind = Kind(kind)
	doc.Status = Status(status)
	doc.DiscountType = DiscountType(discountType)
	doc.IssueDate = issueDate.Time
	doc.DueDate = fromPgDate(dueDate)
	doc.PaymentDate = fromPgDate(paymentDate)

	if err := json.Unmarshal(client, &doc.Client); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	if err := json.Unmarshal(items, &doc.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(shipping) > 0 {
		doc.Shipping = &Shipping{}
		if err := json.Unmarshal(shipping, doc.Shipping); err != nil {
			return nil, fmt.Errorf("decode shipping: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &doc.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &doc, nil
}

func pgDate(t *time.Time) pgtype.Date {
	if t == nil || t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: dateOnly(*t), Valid: true}
}

func fromPgDate(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}
