package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// maxAttachmentBytes bounds uploaded attachments.
const maxAttachmentBytes = 10 << 20

// HeaderIdempotencyKey lets clients retry document creation safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyGuard remembers request keys per workspace.
type IdempotencyGuard interface {
	Claim(ctx context.Context, workspaceID, module, key string) error
	Release(ctx context.Context, workspaceID, module, key string) error
}

// PDFRenderer renders a document to PDF.
type PDFRenderer interface {
	RenderDocument(ctx context.Context, doc *Document) ([]byte, error)
}

// Handler exposes billing operations over JSON HTTP.
type Handler struct {
	service *Service
	pdf     PDFRenderer
	idem    IdempotencyGuard
	logger  *slog.Logger
}

// NewHandler constructs a Handler. pdf may be nil.
func NewHandler(service *Service, pdf PDFRenderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, pdf: pdf, logger: logger}
}

// WithIdempotency enables Idempotency-Key handling on creation routes.
func (h *Handler) WithIdempotency(guard IdempotencyGuard) *Handler {
	h.idem = guard
	return h
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(requireIdentity)
	r.Route("/documents", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/status", h.changeStatus)
		r.Post("/{id}/pay", h.markPaid)
		r.Post("/{id}/credit-notes", h.createCreditNote)
		r.Post("/{id}/invoice", h.invoiceFromQuote)
		r.Post("/{id}/attachments", h.attach)
		r.Get("/{id}/pdf", h.renderPDF)
	})
	r.Post("/totals", h.totals)
	r.Get("/numbering/next", h.nextNumber)
	r.Get("/numbering/audit", h.auditNumbering)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claim(w, r, "documents.create")
	if !ok {
		return
	}
	result, err := h.service.Create(r.Context(), identity(r), req)
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	req := ListDocumentsRequest{Limit: pagination.PerPage, Offset: pagination.Offset()}
	if v := q.Get("kind"); v != "" {
		kind := Kind(v)
		req.Kind = &kind
	}
	if v := q.Get("status"); v != "" {
		status := Status(v)
		req.Status = &status
	}
	var err error
	if req.DateFrom, err = parseDate(q.Get("date_from")); err != nil {
		h.fail(w, r, NewValidationError("date_from", "must be a YYYY-MM-DD date"))
		return
	}
	if req.DateTo, err = parseDate(q.Get("date_to")); err != nil {
		h.fail(w, r, NewValidationError("date_to", "must be a YYYY-MM-DD date"))
		return
	}

	docs, total, err := h.service.List(r.Context(), identity(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       docs,
		"pagination": shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Update(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ChangeStatus(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.MarkPaid(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) createCreditNote(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claim(w, r, "documents.credit_note")
	if !ok {
		return
	}
	result, err := h.service.CreateCreditNote(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) invoiceFromQuote(w http.ResponseWriter, r *http.Request) {
	release, ok := h.claim(w, r, "documents.invoice_from_quote")
	if !ok {
		return
	}
	result, err := h.service.CreateInvoiceFromQuote(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		release()
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		h.fail(w, r, NewValidationError("file", "multipart upload required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, NewValidationError("file", "file is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	doc, err := h.service.Attach(r.Context(), identity(r), chi.URLParam(r, "id"), header.Filename, contentType, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) renderPDF(w http.ResponseWriter, r *http.Request) {
	if h.pdf == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "pdf rendering is not configured")
		return
	}
	doc, err := h.service.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pdf, err := h.pdf.RenderDocument(r.Context(), doc)
	if err != nil {
		h.logger.Error("render document pdf", slog.String("document_id", doc.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(doc.Prefix+doc.Number+".pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) totals(w http.ResponseWriter, r *http.Request) {
	var req TotalsRequest
	if !h.decode(w, r, &req) {
		return
	}
	totals, err := h.service.Totals(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) nextNumber(w http.ResponseWriter, r *http.Request) {
	req, ok := h.scopeRequest(w, r)
	if !ok {
		return
	}
	number, err := h.service.NextNumber(r.Context(), identity(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"number": number})
}

func (h *Handler) auditNumbering(w http.ResponseWriter, r *http.Request) {
	req, ok := h.scopeRequest(w, r)
	if !ok {
		return
	}
	report, err := h.service.AuditNumbering(r.Context(), identity(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) scopeRequest(w http.ResponseWriter, r *http.Request) (ScopeRequest, bool) {
	q := r.URL.Query()
	req := ScopeRequest{Kind: Kind(q.Get("kind")), Prefix: q.Get("prefix"), Year: time.Now().Year()}
	if req.Kind == "" {
		req.Kind = KindInvoice
	}
	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			h.fail(w, r, NewValidationError("year", "must be a number"))
			return ScopeRequest{}, false
		}
		req.Year = year
	}
	return req, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

// fail maps billing errors onto problem responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	problem := httpx.ProblemDetail{Code: string(code), Detail: err.Error()}
	switch code {
	case CodeNotFound:
		problem.Status, problem.Title = http.StatusNotFound, "Not Found"
	case CodeDuplicateNumber:
		problem.Status, problem.Title = http.StatusConflict, "Duplicate Number"
	case CodeInvalidTransition:
		problem.Status, problem.Title = http.StatusConflict, "Invalid Transition"
		var te *TransitionError
		if errors.As(err, &te) {
			problem.Extra = map[string]any{"from": te.From, "to": te.To}
		}
	case CodeResourceLocked:
		problem.Status, problem.Title = http.StatusLocked, "Resource Locked"
	case CodeCapExceeded:
		problem.Status, problem.Title = http.StatusUnprocessableEntity, "Contract Cap Exceeded"
		var ce *CapExceededError
		if errors.As(err, &ce) {
			problem.Extra = map[string]any{"remaining": ce.Remaining, "contract": ce.Contract, "billed": ce.Billed}
		}
	case CodeValidation, CodeInvalidScope:
		problem.Status, problem.Title = http.StatusBadRequest, "Validation Failed"
		var ve *ValidationError
		if errors.As(err, &ve) {
			problem.Fields = ve.Fields
		}
	default:
		if errors.Is(err, ErrLockUnavailable) {
			problem.Status, problem.Title, problem.Code = http.StatusServiceUnavailable, "Numbering Busy", string(CodeResourceLocked)
			break
		}
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		problem.Status, problem.Title, problem.Detail = http.StatusInternalServerError, "Internal Error", ""
	}
	httpx.WriteProblem(w, problem)
}

// claim reserves the request's Idempotency-Key. The returned release frees
// the key again when the request fails.
func (h *Handler) claim(w http.ResponseWriter, r *http.Request, module string) (func(), bool) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || h.idem == nil {
		return func() {}, true
	}
	id := identity(r)
	if err := h.idem.Claim(r.Context(), id.WorkspaceID, module, key); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.WriteProblem(w, httpx.ProblemDetail{
				Status: http.StatusConflict,
				Title:  "Duplicate Request",
				Detail: err.Error(),
				Code:   "IDEMPOTENCY_REPLAY",
			})
			return nil, false
		}
		h.fail(w, r, err)
		return nil, false
	}
	return func() {
		if err := h.idem.Release(context.WithoutCancel(r.Context()), id.WorkspaceID, module, key); err != nil {
			h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, true
}

func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.IdentityFromContext(r.Context()); !ok {
			httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, shared.ErrMissingIdentity))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identity(r *http.Request) shared.Identity {
	id, _ := shared.IdentityFromContext(r.Context())
	return id
}

func parseDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
