package crm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/david/opportunity-crm/internal/models"
)

const (
	DefaultBaseURL  = "https://my1001209.de1.demo.crm.cloud.sap"
	DefaultEndpoint = "/sap/c4c/api/v1/opportunity-service/opportunities"

	// FallbackPageSize is how many records the list fallback scans.
	FallbackPageSize = 100
)

// Config is the adapter configuration, fixed at startup.
type Config struct {
	BaseURL  string
	Endpoint string
	Username string
	Password string

	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to the SAP CRM opportunity service. It holds no mutable
// state and is safe for concurrent use.
type Client struct {
	baseURL    string
	endpoint   string
	authHeader string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ConnectionStatus is the outcome of a connectivity probe.
type ConnectionStatus struct {
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	c := &Client{
		baseURL:    baseURL,
		endpoint:   endpoint,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
	if cfg.Username != "" && cfg.Password != "" {
		c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password))
	}
	return c
}

// AuthHeader returns the Basic credential, if both username and password
// were configured.
func (c *Client) AuthHeader() (string, bool) {
	return c.authHeader, c.authHeader != ""
}

func (c *Client) collectionURL() string {
	return c.baseURL + c.endpoint
}

// FetchAllOpportunities returns one page of upstream opportunities,
// normalized. Source is not tagged.
func (c *Client) FetchAllOpportunities(ctx context.Context, top, skip int) ([]models.Opportunity, error) {
	u := fmt.Sprintf("%s?$top=%d&$skip=%d", c.collectionURL(), top, skip)
	log.Printf("[SAP CRM] Fetching opportunities from: %s", u)

	body, _, err := c.get(ctx, u, c.maxRetries)
	if err != nil {
		log.Printf("[SAP CRM] Error fetching opportunities: %v", err)
		return nil, err
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode opportunities: %w", err)
	}
	items := listItems(payload)
	log.Printf("[SAP CRM] Found %d opportunities", len(items))

	out := make([]models.Opportunity, 0, len(items))
	for _, item := range items {
		out = append(out, Normalize(item))
	}
	return out, nil
}

// listItems probes the known collection envelopes in order:
// OData v2 d.results, OData v4 value, then a bare array.
func listItems(payload interface{}) []map[string]interface{} {
	var arr []interface{}
	switch p := payload.(type) {
	case map[string]interface{}:
		if d, ok := p["d"].(map[string]interface{}); ok {
			if results, ok := d["results"].([]interface{}); ok {
				arr = results
				break
			}
		}
		if value, ok := p["value"].([]interface{}); ok {
			arr = value
		}
	case []interface{}:
		arr = p
	}

	items := make([]map[string]interface{}, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items
}

// FetchOpportunityByID asks the CRM for a single record. Any problem with
// the direct call falls back to scanning the first page of the list, since
// some tenants do not expose item URLs. Returns (nil, nil) when the record
// does not exist upstream.
func (c *Client) FetchOpportunityByID(ctx context.Context, id string) (*models.Opportunity, error) {
	u := c.collectionURL() + "/" + url.PathEscape(id)
	log.Printf("[SAP CRM] Fetching opportunity: %s", u)

	body, _, err := c.get(ctx, u, c.maxRetries)
	if err == nil {
		if item := singleItem(body); item != nil {
			opp := Normalize(item)
			log.Printf("[SAP CRM] Found opportunity: %s", opp.Name)
			return &opp, nil
		}
		log.Printf("[SAP CRM] Direct fetch returned no record, trying list fallback")
	} else {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Printf("[SAP CRM] Direct fetch of %s failed (%v), trying list fallback", id, err)
	}
	return c.FetchOpportunityFromList(ctx, id)
}

// singleItem extracts the record from a direct fetch response, or nil if
// the body does not look like one.
func singleItem(body []byte) map[string]interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		return nil
	}
	if value, ok := data["value"].(map[string]interface{}); ok && hasID(value) {
		return value
	}
	if hasID(data) {
		return data
	}
	return nil
}

func hasID(m map[string]interface{}) bool {
	return firstString(m, "id", "ObjectID", "ID") != ""
}

// FetchOpportunityFromList scans one page of the list for id, matching the
// object id, the display id, or the object id case-insensitively.
func (c *Client) FetchOpportunityFromList(ctx context.Context, id string) (*models.Opportunity, error) {
	opps, err := c.FetchAllOpportunities(ctx, FallbackPageSize, 0)
	if err != nil {
		log.Printf("[SAP CRM] List fallback failed: %v", err)
		return nil, err
	}
	for i := range opps {
		o := opps[i]
		if o.ExternalObjectID == id || o.OpportunityID == id || (o.ExternalObjectID != "" && strings.EqualFold(o.ExternalObjectID, id)) {
			log.Printf("[SAP CRM] Found opportunity via list: %s", o.Name)
			return &o, nil
		}
	}
	log.Printf("[SAP CRM] Opportunity %s not found in list", id)
	return nil, nil
}

// TestConnection probes the collection with $top=1. It never fails; the
// outcome is reported in the returned status.
func (c *Client) TestConnection(ctx context.Context) ConnectionStatus {
	u := c.collectionURL() + "?$top=1"
	log.Printf("[SAP CRM] Testing connection to: %s", u)

	_, status, err := c.get(ctx, u, 0)
	if err == nil {
		log.Printf("[SAP CRM] Connection successful")
		return ConnectionStatus{Success: true, Status: status}
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		log.Printf("[SAP CRM] Connection failed with status: %d", upErr.StatusCode)
		return ConnectionStatus{Success: false, Status: upErr.StatusCode, Error: http.StatusText(upErr.StatusCode)}
	}
	log.Printf("[SAP CRM] Connection error: %v", err)
	return ConnectionStatus{Success: false, Error: err.Error()}
}

// get performs a GET with retries on transport errors and on 429, 502,
// 503 and 504. It returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, u string, retries int) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("DataServiceVersion", "2.0")
		if c.authHeader != "" {
			req.Header.Set("Authorization", c.authHeader)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < retries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, 0, waitErr
				}
				continue
			}
			return nil, 0, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, fmt.Errorf("%w: read body: %w", ErrUpstreamUnreachable, readErr)
		}
		log.Printf("[SAP CRM] Response status: %d", resp.StatusCode)

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return body, resp.StatusCode, nil
		}
		if retryableStatus(resp.StatusCode) && attempt < retries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, 0, waitErr
			}
			continue
		}
		return nil, resp.StatusCode, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       summarizeBody(body, resp.Header.Get("Content-Type")),
		}
	}
}

// retryableStatus excludes 500: a plain server error is reported, not retried.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
