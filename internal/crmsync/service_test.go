package crmsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
)

const endpoint = "/sap/c4c/api/v1/opportunity-service/opportunities"

// fakeCRM serves a fixed list and counts every request it receives.
type fakeCRM struct {
	calls    int32
	list     string
	single   map[string]string
	failWith int
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.calls, 1)
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		_, _ = w.Write([]byte("upstream failure"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == endpoint {
		_, _ = w.Write([]byte(f.list))
		return
	}
	id := r.URL.Path[len(endpoint)+1:]
	if body, ok := f.single[id]; ok {
		_, _ = w.Write([]byte(body))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func newService(t *testing.T, f *fakeCRM) (*Service, *db.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	client := crm.NewClient(crm.Config{BaseURL: srv.URL, Endpoint: endpoint})
	store := db.NewMemoryStore()
	return NewService(client, store), store
}

func TestGetOrSyncPersistsUpstreamRecord(t *testing.T) {
	f := &fakeCRM{
		single: map[string]string{
			"O-1": `{"id":"O-1","OpportunityID":"OPP-1","Name":"Acme Deal","status":"Negotiation"}`,
		},
	}
	svc, store := newService(t, f)
	ctx := context.Background()

	opp, err := svc.GetOrSync(ctx, "O-1")
	if err != nil {
		t.Fatalf("GetOrSync: %v", err)
	}
	if opp.SalesStage != models.StageNegotiation || opp.Source != models.SourceSAPCRM {
		t.Fatalf("unexpected record: %+v", opp)
	}
	if opp.ID == "" || opp.Currency != "USD" {
		t.Fatalf("record not stored with defaults: %+v", opp)
	}

	callsAfterSync := atomic.LoadInt32(&f.calls)
	local, err := store.FindOpportunityByOpportunityID(ctx, "OPP-1")
	if err != nil || local.ID != opp.ID {
		t.Fatalf("local lookup by OPP-1: %v, %v", local, err)
	}

	for _, id := range []string{opp.ID, "O-1", "OPP-1"} {
		again, err := svc.GetOrSync(ctx, id)
		if err != nil || again.ID != opp.ID {
			t.Fatalf("second GetOrSync(%s): %v, %v", id, again, err)
		}
	}
	if n := atomic.LoadInt32(&f.calls); n != callsAfterSync {
		t.Fatalf("expected no further upstream calls, got %d more", n-callsAfterSync)
	}
}

func TestGetOrSyncFallbackNotFound(t *testing.T) {
	f := &fakeCRM{
		list:   `{"value":[{"id":"other","displayId":"OPP-9","name":"Other"}]}`,
		single: map[string]string{"X-1": `{"message":"no id here"}`},
	}
	svc, _ := newService(t, f)

	_, err := svc.GetOrSync(context.Background(), "X-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := atomic.LoadInt32(&f.calls); n != 2 {
		t.Fatalf("expected direct fetch plus one list scan, got %d calls", n)
	}
}

func TestGetOrSyncUpstreamFailure(t *testing.T) {
	svc, _ := newService(t, &fakeCRM{failWith: http.StatusInternalServerError})

	_, err := svc.GetOrSync(context.Background(), "X-1")
	var upErr *crm.UpstreamError
	if !errors.As(err, &upErr) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestSyncAllCreatesAndUpdates(t *testing.T) {
	f := &fakeCRM{
		list: `{"d":{"results":[
			{"id":"O-1","displayId":"OPP-1","name":"First","status":"Open"},
			{"id":"O-2","displayId":"OPP-2","name":"Second","status":"Closed Won"},
			{"id":"O-3","displayId":"OPP-3","name":"Third","status":"Proposal"}
		]}}`,
	}
	svc, store := newService(t, f)
	ctx := context.Background()

	manual := &models.Opportunity{OpportunityID: "OPP-2", Name: "Typed in by hand", Source: models.SourceManual, Currency: "USD"}
	if err := store.CreateOpportunity(ctx, manual); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.SyncAll(ctx, 100, 0)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Fetched != 3 || res.Created != 2 || res.Updated != 1 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := store.FindOpportunityByOpportunityID(ctx, "OPP-2")
	if got.ID != manual.ID {
		t.Fatalf("collided record replaced instead of updated")
	}
	if got.Source != models.SourceSAPCRM || got.Name != "Second" || got.SalesStage != models.StageWon {
		t.Fatalf("collided record not overwritten: %+v", got)
	}

	// A second run only updates.
	res, err = svc.SyncAll(ctx, 100, 0)
	if err != nil || res.Created != 0 || res.Updated != 3 {
		t.Fatalf("second sync: %+v, %v", res, err)
	}
}

func TestSyncAllCollectsRecordErrors(t *testing.T) {
	f := &fakeCRM{
		list: `[{"id":"O-1","displayId":"OPP-1","name":"Good"},{"name":"No identifiers"}]`,
	}
	svc, _ := newService(t, f)

	res, err := svc.SyncAll(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Created != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSyncAllBatchFailure(t *testing.T) {
	svc, store := newService(t, &fakeCRM{failWith: http.StatusInternalServerError})

	res, err := svc.SyncAll(context.Background(), 100, 0)
	if res != nil {
		t.Fatalf("expected no per-record result, got %+v", res)
	}
	var upErr *crm.UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != 500 || upErr.Body != "upstream failure" {
		t.Fatalf("expected 500 upstream error with body, got %v", err)
	}
	if _, total, _ := store.ListOpportunities(context.Background(), db.OpportunityFilter{}); total != 0 {
		t.Fatalf("store modified by failed batch")
	}
}

// racingStore simulates another request inserting the same record between
// the local miss and the insert.
type racingStore struct {
	*db.MemoryStore
}

func (r racingStore) CreateOpportunity(ctx context.Context, opp *models.Opportunity) error {
	winner := *opp
	winner.ID = ""
	winner.Name = "Inserted concurrently"
	if err := r.MemoryStore.CreateOpportunity(ctx, &winner); err != nil {
		return err
	}
	return r.MemoryStore.CreateOpportunity(ctx, opp)
}

func TestGetOrSyncDuplicateResolvesToStoredRecord(t *testing.T) {
	f := &fakeCRM{single: map[string]string{"O-1": `{"id":"O-1","displayId":"OPP-1","name":"Acme"}`}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	svc := NewService(crm.NewClient(crm.Config{BaseURL: srv.URL, Endpoint: endpoint}), racingStore{db.NewMemoryStore()})
	opp, err := svc.GetOrSync(context.Background(), "O-1")
	if err != nil {
		t.Fatalf("GetOrSync: %v", err)
	}
	if opp.Name != "Inserted concurrently" {
		t.Fatalf("expected the concurrently stored record, got %+v", opp)
	}
}
