package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
)

const crmEndpoint = "/sap/c4c/api/v1/opportunity-service/opportunities"

type testEnv struct {
	server *Server
	store  *db.MemoryStore
	calls  *int32
}

// newTestEnv wires the API to an in-memory store and a CRM served by crmHandler.
func newTestEnv(t *testing.T, crmHandler http.HandlerFunc) *testEnv {
	t.Helper()
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		crmHandler(w, r)
	}))
	t.Cleanup(upstream.Close)

	store := db.NewMemoryStore()
	client := crm.NewClient(crm.Config{BaseURL: upstream.URL, Endpoint: crmEndpoint})
	cfg := config.ServerConfig{Port: "0", APIVersion: "v1", CORSOrigins: []string{"*"}, BodyLimit: "1M"}

	s, err := NewServer(cfg, store, crmsync.NewService(client, store))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{server: s, store: store, calls: &calls}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Echo.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %v", body)
	}
	return d
}

func notFoundCRM(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == crmEndpoint {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[]}`))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func TestServiceEndpoints(t *testing.T) {
	env := newTestEnv(t, notFoundCRM)

	code, body := env.do(t, http.MethodGet, "/", "")
	if code != http.StatusOK || body["message"] != "Backend API is running" {
		t.Errorf("root: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodGet, "/api/v1/health", "")
	if code != http.StatusOK || body["message"] != "API is healthy" {
		t.Errorf("api health: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodGet, "/api/v1/nothing-here", "")
	if code != http.StatusNotFound || body["status"] != "error" || body["message"] != "Route not found" {
		t.Errorf("unknown route: %d %v", code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestValueHelp(t *testing.T) {
	env := newTestEnv(t, notFoundCRM)

	_, body := env.do(t, http.MethodGet, "/api/v1/opportunities/value-help", "")
	stages, _ := data(t, body)["salesStages"].([]interface{})
	if len(stages) != len(models.SalesStages) {
		t.Errorf("salesStages = %v", stages)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/risks/value-help", "")
	impacts, _ := data(t, body)["impactLevels"].([]interface{})
	if len(impacts) != 3 {
		t.Fatalf("impactLevels = %v", impacts)
	}
	if first := impacts[0].(map[string]interface{}); first["code"] != "Low" || first["text"] != "Low Impact" {
		t.Errorf("unexpected entry: %v", first)
	}
}

func TestGetOpportunityReadThrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == crmEndpoint+"/O-1" {
			_, _ = w.Write([]byte(`{"id":"O-1","displayId":"OPP-1","name":"Acme","status":"Won","expectedRevenueAmount":{"content":"1200.50","currencyCode":"EUR"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	code, body := env.do(t, http.MethodGet, "/api/v1/opportunities/O-1", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, body)
	}
	opp := data(t, body)["opportunity"].(map[string]interface{})
	if opp["source"] != "sap_crm" || opp["salesStage"] != "Won" || opp["currency"] != "EUR" || opp["expectedRevenueAmount"] != 1200.5 {
		t.Fatalf("unexpected opportunity: %v", opp)
	}

	before := atomic.LoadInt32(env.calls)
	code, _ = env.do(t, http.MethodGet, "/api/v1/opportunities/OPP-1", "")
	if code != http.StatusOK || atomic.LoadInt32(env.calls) != before {
		t.Fatalf("second read should be served locally: %d, %d calls", code, atomic.LoadInt32(env.calls)-before)
	}
}

func TestGetOpportunityErrors(t *testing.T) {
	t.Run("absent everywhere", func(t *testing.T) {
		env := newTestEnv(t, notFoundCRM)
		code, body := env.do(t, http.MethodGet, "/api/v1/opportunities/missing", "")
		if code != http.StatusNotFound || body["message"] != "Opportunity not found in local store or SAP CRM" {
			t.Fatalf("got %d %v", code, body)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		})
		code, body := env.do(t, http.MethodGet, "/api/v1/opportunities/missing/risks", "")
		msg, _ := body["message"].(string)
		if code != http.StatusBadGateway || !strings.HasPrefix(msg, "Failed to fetch from SAP CRM: ") || !strings.Contains(msg, "boom") {
			t.Fatalf("got %d %v", code, body)
		}
	})
}

func TestOpportunityCRUD(t *testing.T) {
	env := newTestEnv(t, notFoundCRM)

	code, body := env.do(t, http.MethodPost, "/api/v1/opportunities", `{"opportunityID":"M-1","name":"<i>Manual</i> deal","expectedRevenueAmount":50}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	opp := data(t, body)["opportunity"].(map[string]interface{})
	if opp["source"] != "manual" || opp["currency"] != "USD" || opp["name"] != "Manual deal" {
		t.Fatalf("unexpected created record: %v", opp)
	}
	id := opp["id"].(string)

	code, body = env.do(t, http.MethodPost, "/api/v1/opportunities", `{"opportunityID":"M-1","name":"Again"}`)
	if code != http.StatusBadRequest || body["message"] != "Opportunity ID already exists" {
		t.Errorf("duplicate: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/opportunities", `{"opportunityID":"M-2","salesStage":"Maybe"}`)
	if code != http.StatusBadRequest {
		t.Errorf("invalid create: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPatch, "/api/v1/opportunities/"+id, `{"salesStage":"Proposal"}`)
	if code != http.StatusOK || data(t, body)["opportunity"].(map[string]interface{})["salesStage"] != "Proposal" {
		t.Errorf("update: %d %v", code, body)
	}

	code, _ = env.do(t, http.MethodPut, "/api/v1/opportunities/nope", `{"name":"x"}`)
	if code != http.StatusNotFound {
		t.Errorf("update missing: %d", code)
	}

	for i := 0; i < 11; i++ {
		o := &models.Opportunity{OpportunityID: "L-" + string(rune('a'+i)), Name: "Listed", Currency: "USD", Source: models.SourceSAPCRM}
		if err := env.store.CreateOpportunity(context.Background(), o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	code, body = env.do(t, http.MethodGet, "/api/v1/opportunities?source=sap_crm&page=2", "")
	d := data(t, body)
	if code != http.StatusOK || d["total"] != 11.0 || d["totalPages"] != 2.0 || d["currentPage"] != 2.0 {
		t.Fatalf("list: %d %v", code, d)
	}
	if page := d["opportunities"].([]interface{}); len(page) != 1 {
		t.Errorf("page 2 has %d records", len(page))
	}
}

func TestRisksAndDeleteGuard(t *testing.T) {
	env := newTestEnv(t, notFoundCRM)
	ctx := context.Background()

	opp := &models.Opportunity{OpportunityID: "OPP-7", Name: "Seven", Currency: "USD", Source: models.SourceManual}
	if err := env.store.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("seed: %v", err)
	}

	code, body := env.do(t, http.MethodPost, "/api/v1/risks/for-opportunity",
		`{"opportunityID":"OPP-7","title":"Budget cut","impact":"High","probability":"Medium","status":"Closed"}`)
	if code != http.StatusCreated {
		t.Fatalf("for-opportunity: %d %v", code, body)
	}
	d := data(t, body)
	risk := d["risk"].(map[string]interface{})
	if risk["status"] != "Open" || risk["opportunityName"] != "Seven" || risk["riskScore"] != 6.0 || risk["riskLevel"] != "Critical" {
		t.Errorf("unexpected risk: %v", risk)
	}
	if ref := d["opportunity"].(map[string]interface{}); ref["id"] != opp.ID {
		t.Errorf("unexpected opportunity ref: %v", ref)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/risks", `{"opportunityID":"NOPE","title":"x","impact":"Low","probability":"Low"}`)
	if code != http.StatusBadRequest || body["message"] != "Opportunity with ID 'NOPE' not found" {
		t.Errorf("unknown parent: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/risks/by-opportunity", `{}`)
	if code != http.StatusBadRequest || body["message"] != "opportunityID is required" {
		t.Errorf("by-opportunity without id: %d %v", code, body)
	}
	_, body = env.do(t, http.MethodPost, "/api/v1/risks/by-opportunity", `{"opportunityID":"OPP-7"}`)
	if data(t, body)["count"] != 1.0 {
		t.Errorf("by-opportunity: %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/risks/stats?opportunityID=OPP-7", "")
	if st := data(t, body); st["total"] != 1.0 || st["highImpact"] != 1.0 || st["open"] != 1.0 {
		t.Errorf("stats: %v", st)
	}

	code, body = env.do(t, http.MethodDelete, "/api/v1/opportunities/"+opp.ID, "")
	if code != http.StatusBadRequest || !strings.Contains(body["message"].(string), "1 associated risks") {
		t.Fatalf("delete guard: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodDelete, "/api/v1/opportunities/"+opp.ID+"?cascade=true", "")
	if code != http.StatusOK || body["risksDeleted"] != 1.0 {
		t.Fatalf("cascade delete: %d %v", code, body)
	}
	if n, _ := env.store.CountRisksByOpportunity(ctx, "OPP-7"); n != 0 {
		t.Errorf("risks left after cascade: %d", n)
	}
}

func TestCompetitorResolvesParentByAnyID(t *testing.T) {
	env := newTestEnv(t, notFoundCRM)
	opp := &models.Opportunity{OpportunityID: "OPP-3", ExternalObjectID: "obj-3", Name: "Three", Currency: "USD", Source: models.SourceSAPCRM}
	if err := env.store.CreateOpportunity(context.Background(), opp); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, ref := range []string{opp.ID, "obj-3", "OPP-3"} {
		code, body := env.do(t, http.MethodPost, "/api/v1/competitors", `{"name":"Rival","opportunityID":"`+ref+`"}`)
		if code != http.StatusCreated {
			t.Fatalf("create via %s: %d %v", ref, code, body)
		}
		comp := data(t, body)["competitor"].(map[string]interface{})
		if comp["opportunityID"] != "OPP-3" || comp["threatLevel"] != "Medium" || comp["threatScore"] != 2.0 {
			t.Errorf("unexpected competitor via %s: %v", ref, comp)
		}
	}

	code, body := env.do(t, http.MethodPost, "/api/v1/competitors", `{"name":"Rival","opportunityID":"ghost"}`)
	if code != http.StatusBadRequest || body["message"] != "Opportunity not found" {
		t.Errorf("unknown parent: %d %v", code, body)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/opportunities/OPP-3/competitors", "")
	if data(t, body)["competitorCount"] != 3.0 {
		t.Errorf("opportunity competitors: %v", body)
	}

	_, body = env.do(t, http.MethodDelete, "/api/v1/competitors/opportunity/OPP-3", "")
	if body["message"] != "Deleted 3 competitors" {
		t.Errorf("bulk delete: %v", body)
	}
}

func TestCRMEndpoints(t *testing.T) {
	list := `{"d":{"results":[{"id":"O-1","displayId":"OPP-1","name":"One"},{"id":"O-2","displayId":"OPP-2","name":"Two"}]}}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(list))
	})

	code, body := env.do(t, http.MethodGet, "/api/v1/opportunities/crm/test", "")
	if code != http.StatusOK || data(t, body)["success"] != true {
		t.Errorf("crm test: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodGet, "/api/v1/opportunities/crm/fetch?top=5", "")
	if code != http.StatusOK || data(t, body)["count"] != 2.0 {
		t.Errorf("crm fetch: %d %v", code, body)
	}
	if _, total, _ := env.store.ListOpportunities(context.Background(), db.OpportunityFilter{}); total != 0 {
		t.Fatalf("fetch must not persist, store has %d", total)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/opportunities/crm/sync", "")
	d := data(t, body)
	if code != http.StatusOK || d["fetched"] != 2.0 || d["created"] != 2.0 || d["errors"] != 0.0 {
		t.Fatalf("sync: %d %v", code, d)
	}

	_, body = env.do(t, http.MethodPost, "/api/v1/opportunities/refresh", "")
	if d := data(t, body); d["updated"] != 2.0 {
		t.Errorf("refresh: %v", d)
	}
}

func TestCRMEndpointsUpstreamDown(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	code, body := env.do(t, http.MethodGet, "/api/v1/opportunities/crm/test", "")
	if code != http.StatusBadGateway || body["message"] != "SAP CRM connection failed" {
		t.Errorf("crm test: %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/opportunities/crm/sync", "")
	msg, _ := body["message"].(string)
	if code != http.StatusBadGateway || !strings.HasPrefix(msg, "Failed to sync from SAP CRM") {
		t.Errorf("crm sync: %d %v", code, body)
	}
}
