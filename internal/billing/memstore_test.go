package billing

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory Store. Writes inside WithTx are journaled and
// undone when fn fails.
type memStore struct {
	shared  *memData
	journal map[string]*Document
	inTx    bool
}

type memData struct {
	mu       sync.Mutex
	docs     map[string]Document
	saveHook func(doc *Document) error
	getHook  func(id string, inTx bool)
}

func newMemStore() *memStore {
	return &memStore{shared: &memData{docs: map[string]Document{}}}
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx := &memStore{shared: s.shared, journal: map[string]*Document{}, inTx: true}
	if err := fn(ctx, tx); err != nil {
		s.shared.mu.Lock()
		for id, before := range tx.journal {
			if before == nil {
				delete(s.shared.docs, id)
			} else {
				s.shared.docs[id] = *before
			}
		}
		s.shared.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) remember(id string) {
	if !s.inTx {
		return
	}
	if _, seen := s.journal[id]; seen {
		return
	}
	if doc, ok := s.shared.docs[id]; ok {
		before := doc.Clone()
		s.journal[id] = &before
	} else {
		s.journal[id] = nil
	}
}

// put stores doc directly, bypassing uniqueness checks.
func (s *memStore) put(doc Document) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	s.shared.docs[doc.ID] = doc.Clone()
}

func (s *memStore) all() []Document {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	out := make([]Document, 0, len(s.shared.docs))
	for _, d := range s.shared.docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) Get(_ context.Context, id string) (*Document, error) {
	if hook := s.shared.getHook; hook != nil {
		hook(id, s.inTx)
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	doc, ok := s.shared.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := doc.Clone()
	return &out, nil
}

func (s *memStore) List(_ context.Context, f ListFilter) ([]Document, int, error) {
	var matched []Document
	for _, d := range s.all() {
		if d.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Kind != nil && d.Kind != *f.Kind {
			continue
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if f.DateFrom != nil && d.IssueDate.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && d.IssueDate.After(*f.DateTo) {
			continue
		}
		matched = append(matched, d)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].IssueDate.After(matched[j].IssueDate) })
	total := len(matched)
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *memStore) Save(_ context.Context, doc *Document) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if s.shared.saveHook != nil {
		if err := s.shared.saveHook(doc); err != nil {
			return err
		}
	}
	if doc.Status != StatusDraft {
		for _, other := range s.shared.docs {
			if other.ID != doc.ID && other.Status != StatusDraft && other.Scope() == doc.Scope() && other.Number == doc.Number {
				return &DuplicateNumberError{Scope: doc.Scope(), Number: doc.Number}
			}
		}
	}
	s.remember(doc.ID)
	s.shared.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if _, ok := s.shared.docs[id]; !ok {
		return ErrNotFound
	}
	s.remember(id)
	delete(s.shared.docs, id)
	return nil
}

func (s *memStore) inScope(scope Scope) []Document {
	var out []Document
	for _, d := range s.all() {
		if d.Scope() == scope {
			out = append(out, d)
		}
	}
	return out
}

func (s *memStore) FindMaxFinalNumber(_ context.Context, scope Scope) (int64, bool, error) {
	var last int64
	found := false
	for _, d := range s.inScope(scope) {
		if d.Status == StatusDraft {
			continue
		}
		if v, ok := parseFinal(d.Number); ok && (!found || v > last) {
			last, found = v, true
		}
	}
	return last, found, nil
}

func (s *memStore) NumberExists(_ context.Context, scope Scope, number string, finalOnly bool, excludeID string) (bool, error) {
	for _, d := range s.inScope(scope) {
		if d.ID == excludeID || d.Number != number {
			continue
		}
		if finalOnly && d.Status == StatusDraft {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *memStore) FindDraftsWithNumber(_ context.Context, scope Scope, number string) ([]Document, error) {
	var out []Document
	for _, d := range s.inScope(scope) {
		if d.Status == StatusDraft && d.Number == number {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) ListFinalNumbers(_ context.Context, scope Scope) ([]string, error) {
	var out []string
	for _, d := range s.inScope(scope) {
		if d.Status != StatusDraft {
			out = append(out, d.Number)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListScopes(context.Context) ([]Scope, error) {
	seen := map[Scope]bool{}
	var out []Scope
	for _, d := range s.all() {
		if d.Status == StatusDraft || seen[d.Scope()] {
			continue
		}
		seen[d.Scope()] = true
		out = append(out, d.Scope())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *memStore) FindSiblings(_ context.Context, workspaceID, ref string) ([]Document, error) {
	var out []Document
	for _, d := range s.all() {
		if d.WorkspaceID != workspaceID || !d.IsSituation {
			continue
		}
		if d.SituationReference == ref || (d.SituationReference == "" && d.PurchaseOrderNumber == ref) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) FindByNumber(_ context.Context, workspaceID string, kind Kind, number string) (*Document, error) {
	var best *Document
	for _, d := range s.all() {
		if d.WorkspaceID != workspaceID || d.Kind != kind || d.Number != number {
			continue
		}
		d := d
		if best == nil || (best.Status == StatusDraft && d.Status != StatusDraft) {
			best = &d
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *memStore) FindCreditNotes(_ context.Context, workspaceID, invoiceID string) ([]Document, error) {
	var out []Document
	for _, d := range s.all() {
		if d.WorkspaceID == workspaceID && d.Kind == KindCreditNote && d.OriginalInvoiceID == invoiceID {
			out = append(out, d)
		}
	}
	return out, nil
}
