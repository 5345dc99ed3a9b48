package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testEndpoint = "/sap/c4c/api/v1/opportunity-service/opportunities"

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		Endpoint:       testEndpoint,
		Username:       "user",
		Password:       "secret",
		MaxRetries:     retries,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
}

func TestAuthHeader(t *testing.T) {
	c := NewClient(Config{Username: "user", Password: "secret"})
	header, ok := c.AuthHeader()
	if !ok || header != "Basic dXNlcjpzZWNyZXQ=" {
		t.Errorf("AuthHeader = %q, %v", header, ok)
	}

	c = NewClient(Config{Username: "user"})
	if _, ok := c.AuthHeader(); ok {
		t.Errorf("expected no auth header without password")
	}
}

func TestFetchAllOpportunitiesShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		count int
	}{
		{"odata v2 envelope", `{"d":{"results":[{"id":"1"},{"id":"2"}]}}`, 2},
		{"value envelope", `{"value":[{"id":"1"}]}`, 1},
		{"bare array", `[{"id":"1"},{"id":"2"},{"id":"3"}]`, 3},
		{"unknown shape", `{"items":[{"id":"1"}]}`, 0},
		{"non-object items are skipped", `[{"id":"1"}, 7, "x"]`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}, 0)

			opps, err := c.FetchAllOpportunities(context.Background(), 10, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(opps) != tt.count {
				t.Errorf("expected %d opportunities, got %d", tt.count, len(opps))
			}
		})
	}
}

func TestFetchAllOpportunitiesRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != testEndpoint {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("$top"); got != "25" {
			t.Errorf("$top = %s", got)
		}
		if got := r.URL.Query().Get("$skip"); got != "50" {
			t.Errorf("$skip = %s", got)
		}
		if r.Header.Get("DataServiceVersion") != "2.0" || r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing protocol headers: %v", r.Header)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			t.Errorf("missing basic auth")
		}
		_, _ = w.Write([]byte(`[]`))
	}, 0)

	if _, err := c.FetchAllOpportunities(context.Background(), 25, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchAllOpportunitiesServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("backend exploded"))
	}, 2)

	_, err := c.FetchAllOpportunities(context.Background(), 10, 0)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upErr.StatusCode != 500 || !strings.Contains(upErr.Body, "backend exploded") {
		t.Errorf("unexpected error contents: %+v", upErr)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("500 must not be retried, got %d calls", n)
	}
}

func TestFetchAllOpportunitiesRetriesTransientStatus(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"id":"1"}]}`))
	}, 2)

	opps, err := c.FetchAllOpportunities(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opps) != 1 || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("got %d opportunities after %d calls", len(opps), calls)
	}
}

func TestHTMLErrorBodyIsFlattened(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html><body><h1>Forbidden</h1><p>No   access</p></body></html>"))
	}, 0)

	_, err := c.FetchAllOpportunities(context.Background(), 10, 0)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if strings.Contains(upErr.Body, "<") || !strings.Contains(upErr.Body, "No access") {
		t.Errorf("body not flattened: %q", upErr.Body)
	}
}

func TestUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: base, Endpoint: testEndpoint})
	_, err := c.FetchAllOpportunities(context.Background(), 10, 0)
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("expected ErrUpstreamUnreachable, got %v", err)
	}
}

func TestFetchOpportunityByIDDirect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != testEndpoint+"/O-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"value":{"id":"O-1","displayId":"OPP-1","name":"Acme Deal","status":"Negotiation"}}`))
	}, 0)

	opp, err := c.FetchOpportunityByID(context.Background(), "O-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opp == nil || opp.OpportunityID != "OPP-1" || opp.Name != "Acme Deal" {
		t.Errorf("unexpected opportunity: %+v", opp)
	}
}

func TestFetchOpportunityByIDFallsBackToList(t *testing.T) {
	var listCalls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == testEndpoint {
			atomic.AddInt32(&listCalls, 1)
			if got := r.URL.Query().Get("$top"); got != "100" {
				t.Errorf("fallback $top = %s", got)
			}
			_, _ = w.Write([]byte(`{"value":[{"id":"abc-def","displayId":"77","name":"Found"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}, 0)

	tests := []struct {
		id    string
		found bool
	}{
		{"abc-def", true},
		{"ABC-DEF", true},
		{"77", true},
		{"missing", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			opp, err := c.FetchOpportunityByID(context.Background(), tt.id)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (opp != nil) != tt.found {
				t.Errorf("found = %v, want %v", opp != nil, tt.found)
			}
		})
	}
	if atomic.LoadInt32(&listCalls) != int32(len(tests)) {
		t.Errorf("expected one list call per lookup, got %d", listCalls)
	}
}

func TestFetchOpportunityByIDAmbiguousSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == testEndpoint {
			_, _ = w.Write([]byte(`{"value":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}, 0)

	opp, err := c.FetchOpportunityByID(context.Background(), "X-1")
	if err != nil || opp != nil {
		t.Errorf("expected (nil, nil), got %+v, %v", opp, err)
	}
}

func TestFetchOpportunityByIDListFailurePropagates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 0)

	_, err := c.FetchOpportunityByID(context.Background(), "X-1")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Errorf("expected list failure to propagate, got %v", err)
	}
}

func TestListFallbackRoundTrip(t *testing.T) {
	body := `{"d":{"results":[{"ObjectID":"O-9","OpportunityID":"OPP-9","Name":"Round Trip","SalesStage":"Proposal","ExpectedValue":"10.5","Currency":"EUR"}]}}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}, 0)

	all, err := c.FetchAllOpportunities(context.Background(), 100, 0)
	if err != nil || len(all) != 1 {
		t.Fatalf("list fetch: %v, %d", err, len(all))
	}
	found, err := c.FetchOpportunityFromList(context.Background(), all[0].OpportunityID)
	if err != nil || found == nil {
		t.Fatalf("fallback lookup: %v, %v", found, err)
	}
	if found.ExternalObjectID != all[0].ExternalObjectID ||
		found.Name != all[0].Name ||
		found.SalesStage != all[0].SalesStage ||
		found.ExpectedRevenueAmount != all[0].ExpectedRevenueAmount ||
		found.Currency != all[0].Currency {
		t.Errorf("round trip mismatch:\n%+v\n%+v", all[0], *found)
	}
}

func TestTestConnection(t *testing.T) {
	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$top") != "1" {
			t.Errorf("probe should request one record")
		}
		_, _ = w.Write([]byte(`[]`))
	}, 0)
	if st := ok.TestConnection(context.Background()); !st.Success || st.Status != 200 {
		t.Errorf("unexpected status: %+v", st)
	}

	denied := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, 0)
	st := denied.TestConnection(context.Background())
	if st.Success || st.Status != 401 || st.Error != "Unauthorized" {
		t.Errorf("unexpected status: %+v", st)
	}
}
