package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

type fakeGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func (g *fakeGuard) Claim(_ context.Context, ws, module, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed == nil {
		g.claimed = map[string]bool{}
	}
	id := ws + "/" + module + "/" + key
	if g.claimed[id] {
		return shared.ErrIdempotencyConflict
	}
	g.claimed[id] = true
	return nil
}

func (g *fakeGuard) Release(_ context.Context, ws, module, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ws + "/" + module + "/" + key
	delete(g.claimed, id)
	g.released = append(g.released, id)
	return nil
}

type fakePDF struct {
	err error
}

func (f fakePDF) RenderDocument(_ context.Context, doc *Document) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-" + doc.Number), nil
}

type handlerFixture struct {
	*serviceFixture
	router http.Handler
	guard  *fakeGuard
}

func newHandlerFixture(t *testing.T, pdf PDFRenderer) *handlerFixture {
	t.Helper()
	f := newServiceFixture(t)
	guard := &fakeGuard{}
	h := NewHandler(f.svc, pdf, nil).WithIdempotency(guard)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if ws := req.Header.Get("X-Test-Workspace"); ws != "" {
				req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{UserID: "user-1", WorkspaceID: ws}))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.MountRoutes(r)
	return &handlerFixture{serviceFixture: f, router: r, guard: guard}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Workspace", "ws-1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHandlerRequiresIdentity(t *testing.T) {
	f := newHandlerFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/documents/", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCreateAndGet(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/documents/", designRequest(StatusPending))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeResult(t, rec)
	require.Equal(t, "1", created.Document.Number)
	require.Equal(t, 216.0, created.Document.FinalTotalTTC)

	rec = f.do(t, http.MethodGet, "/documents/"+created.Document.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, created.Document.ID, doc.ID)

	rec = f.do(t, http.MethodGet, "/documents/"+created.Document.ID, nil, "X-Test-Workspace", "ws-2")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(CodeNotFound), decodeProblem(t, rec).Code)
}

func TestHandlerRejectsMalformedBodies(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/documents/", `{"kind":"INVOICE","unknown":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := designRequest("")
	req.Client.Name = ""
	rec = f.do(t, http.MethodPost, "/documents/", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, string(CodeValidation), problem.Code)
	require.Contains(t, problem.Fields, "client.name")
}

func TestHandlerStatusCodes(t *testing.T) {
	f := newHandlerFixture(t, nil)
	done := f.create(t, designRequest(StatusCompleted))
	draft := f.create(t, designRequest(""))

	rec := f.do(t, http.MethodPatch, "/documents/"+done.ID, map[string]any{"notes": "late"})
	require.Equal(t, http.StatusLocked, rec.Code)
	require.Equal(t, string(CodeResourceLocked), decodeProblem(t, rec).Code)

	rec = f.do(t, http.MethodPost, "/documents/"+done.ID+"/status", ChangeStatusRequest{Status: StatusPending})
	require.Equal(t, http.StatusConflict, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, string(CodeInvalidTransition), problem.Code)
	require.Equal(t, "COMPLETED", problem.Extra["from"])

	rec = f.do(t, http.MethodPost, "/documents/"+draft.ID+"/status", ChangeStatusRequest{Status: StatusPending, Number: "1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(CodeDuplicateNumber), decodeProblem(t, rec).Code)

	rec = f.do(t, http.MethodDelete, "/documents/"+done.ID, nil)
	require.Equal(t, http.StatusLocked, rec.Code)

	rec = f.do(t, http.MethodDelete, "/documents/"+draft.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerCapExceeded(t *testing.T) {
	f := newHandlerFixture(t, nil)
	invoice := f.create(t, designRequest(StatusPending))

	rec := f.do(t, http.MethodPost, "/documents/"+invoice.ID+"/credit-notes", CreateCreditNoteRequest{
		Items: []Item{{Quantity: 1, UnitPrice: 500, VATRate: 20}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, string(CodeCapExceeded), problem.Code)
	require.Equal(t, 216.0, problem.Extra["remaining"])
}

func TestHandlerIdempotencyReplay(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/documents/", designRequest(""), HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/documents/", designRequest(""), HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "IDEMPOTENCY_REPLAY", decodeProblem(t, rec).Code)
	require.Len(t, f.store.all(), 1)

	rec = f.do(t, http.MethodPost, "/documents/", designRequest(""), HeaderIdempotencyKey, "req-1", "X-Test-Workspace", "ws-2")
	require.Equal(t, http.StatusCreated, rec.Code, "keys are scoped per workspace")
}

func TestHandlerIdempotencyReleasedOnFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)
	bad := designRequest(StatusCanceled)

	rec := f.do(t, http.MethodPost, "/documents/", bad, HeaderIdempotencyKey, "req-2")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, []string{"ws-1/documents.create/req-2"}, f.guard.released)

	rec = f.do(t, http.MethodPost, "/documents/", designRequest(""), HeaderIdempotencyKey, "req-2")
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerList(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.create(t, designRequest(""))
	f.create(t, designRequest(StatusPending))

	rec := f.do(t, http.MethodGet, "/documents/?status=PENDING&per_page=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data       []Document        `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, 1, body.Pagination.Total)
	require.Equal(t, 10, body.Pagination.PerPage)

	rec = f.do(t, http.MethodGet, "/documents/?date_from=14-03-2026", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMarkPaidAndInvoiceFromQuote(t *testing.T) {
	f := newHandlerFixture(t, nil)
	invoice := f.create(t, designRequest(StatusPending))

	rec := f.do(t, http.MethodPost, "/documents/"+invoice.ID+"/pay", map[string]any{"payment_date": "2026-03-20T00:00:00Z"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, StatusCompleted, decodeResult(t, rec).Document.Status)

	quoteReq := designRequest(StatusCompleted)
	quoteReq.Kind = KindQuote
	q := f.create(t, quoteReq)
	rec = f.do(t, http.MethodPost, "/documents/"+q.ID+"/invoice", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, q.ID, decodeResult(t, rec).Document.LinkedQuoteID)
}

func TestHandlerTotalsAndNumbering(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.create(t, designRequest(StatusPending))

	rec := f.do(t, http.MethodPost, "/totals", TotalsRequest{Items: []Item{{Quantity: 2, UnitPrice: 90, VATRate: 20}}})
	require.Equal(t, http.StatusOK, rec.Code)
	var totals Totals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	require.Equal(t, 216.0, totals.FinalTotalTTC)

	rec = f.do(t, http.MethodGet, "/numbering/next?kind=INVOICE&year=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"number":"2"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/numbering/audit?kind=INVOICE&year=2026", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report NumberingReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 1, report.Count)

	rec = f.do(t, http.MethodGet, "/numbering/next?year=soon", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAttach(t *testing.T) {
	f := newHandlerFixture(t, nil)
	doc := f.create(t, designRequest(""))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="quote.pdf"`},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-Workspace", "ws-1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var saved Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	require.Len(t, saved.Attachments, 1)
	require.Equal(t, "application/pdf", saved.Attachments[0].ContentType)

	rec = f.do(t, http.MethodPost, "/documents/"+doc.ID+"/attachments", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPDF(t *testing.T) {
	f := newHandlerFixture(t, fakePDF{})
	doc := f.create(t, designRequest(StatusPending))

	rec := f.do(t, http.MethodGet, "/documents/"+doc.ID+"/pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-1"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), `"F-1.pdf"`)

	failing := newHandlerFixture(t, fakePDF{err: errors.New("gotenberg down")})
	doc = failing.create(t, designRequest(StatusPending))
	rec = failing.do(t, http.MethodGet, "/documents/"+doc.ID+"/pdf", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	disabled := newHandlerFixture(t, nil)
	doc = disabled.create(t, designRequest(""))
	rec = disabled.do(t, http.MethodGet, "/documents/"+doc.ID+"/pdf", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerInternalErrorsHideDetail(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.store.shared.saveHook = func(*Document) error { return errors.New("disk on fire") }

	rec := f.do(t, http.MethodPost, "/documents/", designRequest(""))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, string(CodeInternal), problem.Code)
	require.Empty(t, problem.Detail)
}
