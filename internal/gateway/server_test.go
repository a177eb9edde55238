package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/msai-amin/Ryzomatic-sub006/internal/actions"
	"github.com/msai-amin/Ryzomatic-sub006/internal/assembler"
	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

type fakeMemoryService struct {
	extractResult *models.ExtractionResult
	extractErr    error
	searchResp    *models.SearchResponse
	related       []*models.RelatedItem

	lastOwnerID string
}

func (f *fakeMemoryService) ExtractAndStore(ctx context.Context, ownerID, conversationID string, turns []models.ConversationTurn) (*models.ExtractionResult, error) {
	f.lastOwnerID = ownerID
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	if f.extractResult != nil {
		return f.extractResult, nil
	}
	return &models.ExtractionResult{}, nil
}

func (f *fakeMemoryService) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	f.lastOwnerID = req.OwnerID
	if f.searchResp != nil {
		return f.searchResp, nil
	}
	return &models.SearchResponse{Results: []*models.SearchResult{}}, nil
}

func (f *fakeMemoryService) Relationships(ctx context.Context, ownerID, itemID string) ([]*models.RelatedItem, error) {
	f.lastOwnerID = ownerID
	return f.related, nil
}

type fakeActionService struct {
	action *models.Action
	err    error
}

func (f *fakeActionService) Resolve(ctx context.Context, ownerID, command string) (*models.Action, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.action, nil
}

type emptySource struct{}

func (emptySource) Name() string { return "memory" }
func (emptySource) Fetch(ctx context.Context, ownerID, query string, limit int) ([]*models.ContextItem, error) {
	return nil, nil
}

func newTestServer(t *testing.T, store *fakeMemoryService, resolver *fakeActionService) *Server {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	asm := assembler.New([]assembler.ItemSource{emptySource{}}, config.AssemblerConfig{}, logger, nil)
	return NewServer(config.ServerConfig{Addr: ":0"}, store, asm, resolver, logger, nil)
}

func doRequest(t *testing.T, s *Server, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestOwnerHeaderRequired(t *testing.T) {
	s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{})

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/v1/memory/extract", `{"conversation_id":"c1"}`},
		{http.MethodPost, "/v1/memory/search", `{"query":"x"}`},
		{http.MethodGet, "/v1/related/abc", ""},
		{http.MethodPost, "/v1/context/assemble", `{"query":"x"}`},
		{http.MethodPost, "/v1/actions/resolve", `{"command":"x"}`},
	} {
		rec := doRequest(t, s, tc.method, tc.path, "", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s without owner: status %d, want 400", tc.method, tc.path, rec.Code)
		}
	}
}

func TestHandleExtract(t *testing.T) {
	store := &fakeMemoryService{extractResult: &models.ExtractionResult{EntitiesCreated: 3, RelationshipsCreated: 2}}
	s := newTestServer(t, store, &fakeActionService{})

	rec := doRequest(t, s, http.MethodPost, "/v1/memory/extract", "u1",
		`{"conversation_id":"c1","turns":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200; body %s", rec.Code, rec.Body)
	}

	var result models.ExtractionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.EntitiesCreated != 3 || result.RelationshipsCreated != 2 {
		t.Errorf("result = %+v", result)
	}
	if store.lastOwnerID != "u1" {
		t.Errorf("owner id %q did not reach the store", store.lastOwnerID)
	}

	t.Run("missing conversation id", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/v1/memory/extract", "u1", `{"turns":[]}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", rec.Code)
		}
	})
}

func TestHandleSearch(t *testing.T) {
	store := &fakeMemoryService{searchResp: &models.SearchResponse{
		Results: []*models.SearchResult{
			{Memory: &models.Memory{ID: "m1", Content: "regression"}, Score: 0.9},
		},
		TotalCount: 1,
	}}
	s := newTestServer(t, store, &fakeActionService{})

	rec := doRequest(t, s, http.MethodPost, "/v1/memory/search", "u1", `{"query":"regression"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var resp models.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalCount != 1 || resp.Results[0].Memory.ID != "m1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleRelated(t *testing.T) {
	store := &fakeMemoryService{related: []*models.RelatedItem{
		{RelatedID: "m2", Score: 0.8, Kind: models.KindRelated, Description: "same topic"},
	}}
	s := newTestServer(t, store, &fakeActionService{})

	rec := doRequest(t, s, http.MethodGet, "/v1/related/m1", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var body struct {
		Related []*models.RelatedItem `json:"related"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Related) != 1 || body.Related[0].RelatedID != "m2" {
		t.Errorf("related = %+v", body.Related)
	}
	if store.lastOwnerID != "u1" {
		t.Errorf("lookup ran as owner %q, want the authenticated owner u1", store.lastOwnerID)
	}

	t.Run("no relationships yields empty list not null", func(t *testing.T) {
		s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{})
		rec := doRequest(t, s, http.MethodGet, "/v1/related/m9", "u1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"related":[]`) {
			t.Errorf("body = %s, want empty array", rec.Body)
		}
	})
}

func TestHandleAssemble(t *testing.T) {
	s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{})

	rec := doRequest(t, s, http.MethodPost, "/v1/context/assemble", "u1", `{"query":"what is a p-value?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var budget models.ContextBudget
	if err := json.Unmarshal(rec.Body.Bytes(), &budget); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !budget.Skipped {
		t.Error("expected skip for a query without recall signals")
	}
}

func TestHandleResolveAction(t *testing.T) {
	resolver := &fakeActionService{action: &models.Action{
		Kind:   models.ActionSearch,
		Params: json.RawMessage(`{"query":"inflation"}`),
	}}
	s := newTestServer(t, &fakeMemoryService{}, resolver)

	rec := doRequest(t, s, http.MethodPost, "/v1/actions/resolve", "u1", `{"command":"find my inflation notes"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var action models.Action
	if err := json.Unmarshal(rec.Body.Bytes(), &action); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if action.Kind != models.ActionSearch {
		t.Errorf("kind = %s, want search", action.Kind)
	}

	t.Run("unresolvable command", func(t *testing.T) {
		s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{err: actions.ErrActionParse})
		rec := doRequest(t, s, http.MethodPost, "/v1/actions/resolve", "u1", `{"command":"mumble"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status %d, want 422", rec.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, &fakeMemoryService{}, &fakeActionService{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("request id not echoed: %q", rr.Header().Get("X-Request-ID"))
	}
}
