package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Result is the outcome of a mutation: the document and any drafts renamed
// because the mutation finalized a number they held.
type Result struct {
	Document *Document  `json:"document"`
	Renamed  []Document `json:"renamed,omitempty"`
}

// Dependencies collects what the Service needs. Only Store is required.
type Dependencies struct {
	Store    Store
	Locker   Locker
	Metrics  *Metrics
	Notifier Notifier
	Auditor  Auditor
	Files    FileStore
	Logger   *slog.Logger
}

// Service orchestrates billing document operations.
type Service struct {
	store     Store
	allocator *Allocator
	engine    *Engine
	caps      *CapValidator
	notifier  Notifier
	auditor   Auditor
	files     FileStore
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService wires a Service.
func NewService(deps Dependencies) *Service {
	allocator := NewAllocator(deps.Locker, deps.Metrics)
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	auditor := deps.Auditor
	if auditor == nil {
		auditor = nopAuditor{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		allocator: allocator,
		engine:    NewEngine(allocator),
		caps:      NewCapValidator(deps.Store, deps.Metrics),
		notifier:  notifier,
		auditor:   auditor,
		files:     deps.Files,
		logger:    logger.With(slog.String("component", "billing")),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetClock overrides the time source of the service and its collaborators.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.allocator.now = now
	s.engine.now = now
}

// Create builds a document as a draft and, when the requested status is past
// DRAFT, finalizes it in the same transaction.
func (s *Service) Create(ctx context.Context, id shared.Identity, req CreateDocumentRequest) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if err := checkDiscounts(req.Items, req.Discount, req.DiscountType); err != nil {
		return nil, err
	}
	target := req.Status
	if target == "" {
		target = StatusDraft
	}

	now := s.now()
	doc := &Document{
		ID:                  s.newID(),
		WorkspaceID:         id.WorkspaceID,
		Kind:                req.Kind,
		Prefix:              strings.TrimSpace(req.Prefix),
		Status:              StatusDraft,
		IssueDate:           dateOnly(now),
		DueDate:             req.DueDate,
		Client:              req.Client,
		Items:               req.Items,
		Discount:            req.Discount,
		DiscountType:        req.DiscountType,
		Shipping:            req.Shipping,
		IsReverseCharge:     req.IsReverseCharge,
		IsSituation:         req.IsSituation,
		SituationReference:  strings.TrimSpace(req.SituationReference),
		PurchaseOrderNumber: strings.TrimSpace(req.PurchaseOrderNumber),
		ContractTotal:       req.ContractTotal,
		LinkedQuoteID:       req.LinkedQuoteID,
		Notes:               req.Notes,
		CreatedBy:           id.UserID,
		UpdatedBy:           id.UserID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if doc.Prefix == "" {
		doc.Prefix = doc.Kind.DefaultPrefix()
	}
	if req.IssueDate != nil {
		doc.IssueDate = dateOnly(*req.IssueDate)
	}
	if doc.Items == nil {
		doc.Items = []Item{}
	}
	doc.Recalculate()
	if err := s.caps.Check(ctx, doc); err != nil {
		return nil, err
	}

	draftNumber := req.Number
	if target != StatusDraft {
		draftNumber = ""
	}
	result := &Result{Document: doc}
	err := s.inTx(ctx, func(ctx context.Context, tx Store) error {
		alloc, err := s.allocator.Allocate(ctx, tx, doc.Scope(), ModeDraft, draftNumber, doc.ID)
		if err != nil {
			return err
		}
		doc.Number = alloc.Number
		if err := tx.Save(ctx, doc); err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		if target == StatusDraft {
			return nil
		}
		moved, err := s.engine.Transition(ctx, tx, doc, target, TransitionOptions{Number: req.Number, UpdatedBy: id.UserID})
		if err != nil {
			return err
		}
		result.Renamed = moved.Renamed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, newEvent(EventCreated, doc, id.UserID, now))
	s.publishRenamed(ctx, result.Renamed, id.UserID, now)
	return result, nil
}

// Get returns a document of the caller's workspace.
func (s *Service) Get(ctx context.Context, id shared.Identity, docID string) (*Document, error) {
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.WorkspaceID != id.WorkspaceID {
		return nil, ErrNotFound
	}
	return doc, nil
}

// List returns one page of the caller's documents and the total count.
func (s *Service) List(ctx context.Context, id shared.Identity, req ListDocumentsRequest) ([]Document, int, error) {
	if err := Validate(req); err != nil {
		return nil, 0, err
	}
	if req.Limit == 0 {
		req.Limit = 50
	}
	return s.store.List(ctx, ListFilter{
		WorkspaceID: id.WorkspaceID,
		Kind:        req.Kind,
		Status:      req.Status,
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
		Limit:       req.Limit,
		Offset:      req.Offset,
	})
}

// Update applies a partial update. Totals are always recomputed from the
// resulting items; a status in the request runs through the engine afterwards.
func (s *Service) Update(ctx context.Context, id shared.Identity, docID string, req UpdateDocumentRequest) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	result := &Result{}
	var from Status
	err := s.inTx(ctx, func(ctx context.Context, tx Store) error {
		return s.withDocument(ctx, tx, id, docID, req.Status, func(ctx context.Context, current *Document) error {
			from = current.Status
			if current.Kind == KindCreditNote || !current.Status.CanEdit() {
				return &LockedError{ID: current.ID, Status: current.Status}
			}

			next := current.Clone()
			if req.Touches() {
				if err := applyUpdate(&next, req); err != nil {
					return err
				}
				if err := checkDiscounts(next.Items, next.Discount, next.DiscountType); err != nil {
					return err
				}
				if next.Status != StatusDraft && next.Scope() != current.Scope() {
					return NewValidationError("issue_date", "a finalized document cannot leave its numbering scope")
				}
				if next.Status != StatusDraft && !next.IssueDate.Equal(dateOnly(current.IssueDate)) && next.IssueDate.Before(dateOnly(now)) {
					return NewValidationError("issue_date", "a finalized document cannot be dated before today")
				}
				next.Recalculate()
				if err := s.caps.Check(ctx, &next); err != nil {
					return err
				}
				if next.Status == StatusDraft && (req.Number != nil || next.Scope() != current.Scope()) {
					manual := current.Number
					if req.Number != nil {
						manual = *req.Number
					} else if IsDraftToken(manual) {
						manual = ""
					}
					alloc, err := s.allocator.Allocate(ctx, tx, next.Scope(), ModeDraft, manual, next.ID)
					if err != nil {
						return err
					}
					next.Number = alloc.Number
				}
				stamp(&next, id.UserID, now)
				if err := tx.Save(ctx, &next); err != nil {
					return fmt.Errorf("save document: %w", err)
				}
			}

			if req.Status != nil && *req.Status != next.Status {
				if err := s.checkFinalization(ctx, &next, *req.Status); err != nil {
					return err
				}
				moved, err := s.engine.Transition(ctx, tx, &next, *req.Status, TransitionOptions{UpdatedBy: id.UserID})
				if err != nil {
					return err
				}
				result.Renamed = moved.Renamed
			}
			result.Document = &next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, newEvent(EventUpdated, result.Document, id.UserID, now))
	if result.Document.Status != from {
		s.publishTransition(ctx, result.Document, from, id.UserID, now)
	}
	s.publishRenamed(ctx, result.Renamed, id.UserID, now)
	return result, nil
}

// ChangeStatus moves a document through the lifecycle. number optionally
// supplies a manual final number when the move finalizes the document.
func (s *Service) ChangeStatus(ctx context.Context, id shared.Identity, docID string, req ChangeStatusRequest) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	now := s.now()
	result := &Result{}
	var from Status
	err := s.inTx(ctx, func(ctx context.Context, tx Store) error {
		return s.withDocument(ctx, tx, id, docID, &req.Status, func(ctx context.Context, doc *Document) error {
			from = doc.Status
			if err := s.checkFinalization(ctx, doc, req.Status); err != nil {
				return err
			}
			moved, err := s.engine.Transition(ctx, tx, doc, req.Status, TransitionOptions{Number: req.Number, UpdatedBy: id.UserID})
			if err != nil {
				return err
			}
			result.Document = doc
			result.Renamed = moved.Renamed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if result.Document.Status != from {
		s.publishTransition(ctx, result.Document, from, id.UserID, now)
	}
	s.publishRenamed(ctx, result.Renamed, id.UserID, now)
	return result, nil
}

// MarkPaid records the payment of an invoice.
func (s *Service) MarkPaid(ctx context.Context, id shared.Identity, docID string, req MarkPaidRequest) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	now := s.now()
	result := &Result{}
	var moved TransitionResult
	err := s.inTx(ctx, func(ctx context.Context, tx Store) error {
		doc, err := s.load(ctx, tx, id, docID)
		if err != nil {
			return err
		}
		moved, err = s.engine.MarkPaid(ctx, tx, doc, req.PaymentDate, id.UserID)
		if err != nil {
			return err
		}
		result.Document = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved.Changed {
		event := newEvent(EventPaid, result.Document, id.UserID, now)
		event.From = StatusPending
		s.publish(ctx, event)
	}
	return result, nil
}

// Delete removes a draft. Finalized numbers are never released.
func (s *Service) Delete(ctx context.Context, id shared.Identity, docID string) error {
	var removed *Document
	err := s.inTx(ctx, func(ctx context.Context, tx Store) error {
		doc, err := s.load(ctx, tx, id, docID)
		if err != nil {
			return err
		}
		if doc.Kind == KindCreditNote || !doc.Status.CanDelete() {
			return &LockedError{ID: doc.ID, Status: doc.Status}
		}
		if err := tx.Delete(ctx, doc.ID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		removed = doc
		return nil
	})
	if err != nil {
		return err
	}

	if s.files != nil {
		for _, att := range removed.Attachments {
			if err := s.files.Delete(ctx, att.Key); err != nil {
				s.logger.Warn("delete attachment", slog.String("document_id", removed.ID), slog.String("key", att.Key), slog.Any("error", err))
			}
		}
	}
	s.publish(ctx, newEvent(EventDeleted, removed, id.UserID, s.now()))
	return nil
}

// CreateCreditNote credits a finalized invoice. The note is numbered in its own
// scope immediately and carries non-positive totals.
func (s *Service) CreateCreditNote(ctx context.Context, id shared.Identity, invoiceID string, req CreateCreditNoteRequest) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	invoice, err := s.Get(ctx, id, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Kind != KindInvoice {
		return nil, NewValidationError("original_invoice_id", "credit notes can only reference invoices")
	}
	if invoice.Status != StatusPending && invoice.Status != StatusCompleted {
		return nil, NewValidationError("original_invoice_id", "only finalized invoices can be credited")
	}

	now := s.now()
	note := invoice.Clone()
	note.ID = s.newID()
	note.Kind = KindCreditNote
	note.Prefix = strings.TrimSpace(req.Prefix)
	if note.Prefix == "" {
		note.Prefix = KindCreditNote.DefaultPrefix()
	}
	note.Status = StatusCreated
	note.IssueDate = dateOnly(now)
	if req.IssueDate != nil {
		note.IssueDate = dateOnly(*req.IssueDate)
	}
	note.DueDate = nil
	note.PaymentDate = nil
	note.OriginalInvoiceID = invoice.ID
	note.LinkedQuoteID = ""
	note.IsSituation = false
	note.SituationReference = ""
	note.ContractTotal = 0
	note.Attachments = nil
	note.Notes = req.Reason
	if len(req.Items) > 0 {
		note.Items = req.Items
		if err := checkDiscounts(note.Items, note.Discount, note.DiscountType); err != nil {
			return nil, err
		}
	}
	note.CreatedBy = id.UserID
	note.UpdatedBy = id.UserID
	note.CreatedAt = now
	note.UpdatedAt = now
	note.Recalculate()
	if err := s.caps.Check(ctx, &note); err != nil {
		return nil, err
	}

	result := &Result{Document: &note}
	err = s.inTx(ctx, func(ctx context.Context, tx Store) error {
		return s.allocator.Serialize(ctx, note.Scope(), func(ctx context.Context) error {
			alloc, err := s.allocator.Allocate(ctx, tx, note.Scope(), ModeFinal, "", note.ID)
			if err != nil {
				return err
			}
			note.Number = alloc.Number
			result.Renamed = alloc.Renamed
			if err := tx.Save(ctx, &note); err != nil {
				return fmt.Errorf("save credit note: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, newEvent(EventCreated, &note, id.UserID, now))
	s.publishRenamed(ctx, result.Renamed, id.UserID, now)
	return result, nil
}

// CreateInvoiceFromQuote converts an accepted quote into a draft invoice.
func (s *Service) CreateInvoiceFromQuote(ctx context.Context, id shared.Identity, quoteID string) (*Result, error) {
	quote, err := s.Get(ctx, id, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.Kind != KindQuote {
		return nil, NewValidationError("quote_id", "document is not a quote")
	}
	if quote.Status != StatusCompleted {
		return nil, NewValidationError("quote_id", "only accepted quotes can be invoiced")
	}
	items := make([]Item, len(quote.Items))
	copy(items, quote.Clone().Items)
	return s.Create(ctx, id, CreateDocumentRequest{
		Kind:                KindInvoice,
		Client:              quote.Client,
		Items:               items,
		Discount:            quote.Discount,
		DiscountType:        quote.DiscountType,
		Shipping:            quote.Clone().Shipping,
		IsReverseCharge:     quote.IsReverseCharge,
		PurchaseOrderNumber: quote.PurchaseOrderNumber,
		LinkedQuoteID:       quote.ID,
		Notes:               quote.Notes,
	})
}

// Attach stores a source file and links it to an editable document.
func (s *Service) Attach(ctx context.Context, id shared.Identity, docID, name, contentType string, data []byte) (*Document, error) {
	if s.files == nil {
		return nil, errors.New("billing: file storage not configured")
	}
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return nil, NewValidationError("file", "file name is required")
	}
	if len(data) == 0 {
		return nil, NewValidationError("file", "file is empty")
	}
	doc, err := s.Get(ctx, id, docID)
	if err != nil {
		return nil, err
	}
	if doc.Kind == KindCreditNote || !doc.Status.CanEdit() {
		return nil, &LockedError{ID: doc.ID, Status: doc.Status}
	}

	key := path.Join(id.WorkspaceID, doc.ID, s.newID()+"-"+name)
	url, err := s.files.Put(ctx, key, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	var saved *Document
	err = s.inTx(ctx, func(ctx context.Context, tx Store) error {
		current, err := s.load(ctx, tx, id, docID)
		if err != nil {
			return err
		}
		if !current.Status.CanEdit() {
			return &LockedError{ID: current.ID, Status: current.Status}
		}
		next := current.Clone()
		next.Attachments = append(next.Attachments, Attachment{
			Name:        name,
			Key:         key,
			URL:         url,
			ContentType: contentType,
			UploadedAt:  s.now(),
		})
		stamp(&next, id.UserID, s.now())
		if err := tx.Save(ctx, &next); err != nil {
			return err
		}
		saved = &next
		return nil
	})
	if err != nil {
		if delErr := s.files.Delete(ctx, key); delErr != nil {
			s.logger.Warn("cleanup attachment", slog.String("key", key), slog.Any("error", delErr))
		}
		return nil, err
	}
	return saved, nil
}

// NextNumber previews the number the next finalization in scope receives.
func (s *Service) NextNumber(ctx context.Context, id shared.Identity, req ScopeRequest) (string, error) {
	scope, err := s.scope(id, req)
	if err != nil {
		return "", err
	}
	return s.allocator.Peek(ctx, s.store, scope)
}

// AuditNumbering reports gaps and duplicates in one scope.
func (s *Service) AuditNumbering(ctx context.Context, id shared.Identity, req ScopeRequest) (NumberingReport, error) {
	scope, err := s.scope(id, req)
	if err != nil {
		return NumberingReport{}, err
	}
	return s.allocator.Audit(ctx, s.store, scope)
}

// AuditAll audits every scope holding finalized numbers.
func (s *Service) AuditAll(ctx context.Context) ([]NumberingReport, error) {
	scopes, err := s.store.ListScopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	reports := make([]NumberingReport, 0, len(scopes))
	for _, scope := range scopes {
		report, err := s.allocator.Audit(ctx, s.store, scope)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", scope, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Totals computes amounts without touching storage.
func (s *Service) Totals(req TotalsRequest) (Totals, error) {
	if err := Validate(req); err != nil {
		return Totals{}, err
	}
	if err := checkDiscounts(req.Items, req.Discount, req.DiscountType); err != nil {
		return Totals{}, err
	}
	if req.Kind == KindCreditNote {
		return ComputeCreditNoteTotals(req.Items, req.Discount, req.DiscountType, req.Shipping, req.IsReverseCharge), nil
	}
	return ComputeTotals(req.Items, req.Discount, req.DiscountType, req.Shipping, req.IsReverseCharge), nil
}

// inTx runs fn in a store transaction. Scope locks taken inside fn are
// released only once the transaction has committed or rolled back.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, Store) error) error {
	ctx, release := holdLocksUntil(ctx)
	defer release()
	return s.store.WithTx(ctx, fn)
}

func (s *Service) scope(id shared.Identity, req ScopeRequest) (Scope, error) {
	if err := Validate(req); err != nil {
		return Scope{}, err
	}
	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		prefix = req.Kind.DefaultPrefix()
	}
	scope := Scope{WorkspaceID: id.WorkspaceID, Kind: req.Kind, Prefix: prefix, Year: req.Year}
	return scope, scope.Validate()
}

// withDocument loads docID inside tx and runs fn with it. When target would
// finalize a draft, the scope lock is taken before the row lock, matching the
// order of the draft sweep in a concurrent finalization.
func (s *Service) withDocument(ctx context.Context, tx Store, id shared.Identity, docID string, target *Status, fn func(context.Context, *Document) error) error {
	if target != nil && *target != StatusDraft {
		peek, err := s.load(ctx, s.store, id, docID)
		if err != nil {
			return err
		}
		if peek.Status == StatusDraft && peek.Kind != KindCreditNote {
			return s.allocator.Serialize(ctx, peek.Scope(), func(ctx context.Context) error {
				doc, err := s.load(ctx, tx, id, docID)
				if err != nil {
					return err
				}
				return fn(ctx, doc)
			})
		}
	}
	doc, err := s.load(ctx, tx, id, docID)
	if err != nil {
		return err
	}
	return fn(ctx, doc)
}

// checkFinalization re-runs the cap check on a draft about to be finalized.
func (s *Service) checkFinalization(ctx context.Context, doc *Document, to Status) error {
	if doc.Status != StatusDraft || to == StatusDraft {
		return nil
	}
	doc.Recalculate()
	return s.caps.Check(ctx, doc)
}

func (s *Service) load(ctx context.Context, store Store, id shared.Identity, docID string) (*Document, error) {
	doc, err := store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.WorkspaceID != id.WorkspaceID {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *Service) publishTransition(ctx context.Context, doc *Document, from Status, actor string, at time.Time) {
	event := newEvent(EventStatusChanged, doc, actor, at)
	event.From = from
	s.publish(ctx, event)
}

func (s *Service) publishRenamed(ctx context.Context, renamed []Document, actor string, at time.Time) {
	for i := range renamed {
		s.publish(ctx, newEvent(EventRenamed, &renamed[i], actor, at))
	}
}

// publish fans an event out to the notifier and the auditor. Failures are
// logged and swallowed.
func (s *Service) publish(ctx context.Context, event Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("notify document event",
			slog.String("event", string(event.Type)),
			slog.String("document_id", event.DocumentID),
			slog.Any("error", err),
		)
	}
	if err := s.auditor.Record(ctx, event); err != nil {
		s.logger.Warn("audit document event",
			slog.String("event", string(event.Type)),
			slog.String("document_id", event.DocumentID),
			slog.Any("error", err),
		)
	}
}

// applyUpdate copies the set fields of req onto doc.
func applyUpdate(doc *Document, req UpdateDocumentRequest) error {
	if req.Prefix != nil {
		prefix := strings.TrimSpace(*req.Prefix)
		if prefix == "" {
			prefix = doc.Kind.DefaultPrefix()
		}
		if doc.Status != StatusDraft && prefix != doc.Prefix {
			return NewValidationError("prefix", "the prefix of a finalized document cannot change")
		}
		doc.Prefix = prefix
	}
	if req.Number != nil && doc.Status != StatusDraft && strings.TrimSpace(*req.Number) != doc.Number {
		return NewValidationError("number", "the number of a finalized document cannot change")
	}
	if req.IssueDate != nil {
		doc.IssueDate = dateOnly(*req.IssueDate)
	}
	if req.DueDate != nil {
		due := *req.DueDate
		doc.DueDate = &due
	}
	if req.Client != nil {
		doc.Client = *req.Client
	}
	if req.Items != nil {
		doc.Items = append([]Item{}, (*req.Items)...)
	}
	if req.Discount != nil {
		doc.Discount = *req.Discount
	}
	if req.DiscountType != nil {
		doc.DiscountType = *req.DiscountType
	}
	if req.Shipping != nil {
		shipping := *req.Shipping
		doc.Shipping = &shipping
	}
	if req.IsReverseCharge != nil {
		doc.IsReverseCharge = *req.IsReverseCharge
	}
	if req.IsSituation != nil {
		doc.IsSituation = *req.IsSituation
	}
	if req.SituationReference != nil {
		doc.SituationReference = strings.TrimSpace(*req.SituationReference)
	}
	if req.PurchaseOrderNumber != nil {
		doc.PurchaseOrderNumber = strings.TrimSpace(*req.PurchaseOrderNumber)
	}
	if req.ContractTotal != nil {
		doc.ContractTotal = *req.ContractTotal
	}
	if req.Notes != nil {
		doc.Notes = *req.Notes
	}
	return nil
}
