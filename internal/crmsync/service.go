// Package crmsync keeps the local opportunity store in step with SAP CRM,
// both in bulk and on read misses.
package crmsync

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
)

const (
	DefaultSyncPageSize  = 100
	DefaultFetchPageSize = 30
)

// ErrNotFound means neither the local store nor the CRM knows the id.
var ErrNotFound = errors.New("opportunity not found in local store or SAP CRM")

// Upstream is the CRM side of a sync. *crm.Client implements it.
type Upstream interface {
	FetchAllOpportunities(ctx context.Context, top, skip int) ([]models.Opportunity, error)
	FetchOpportunityByID(ctx context.Context, id string) (*models.Opportunity, error)
	TestConnection(ctx context.Context) crm.ConnectionStatus
}

// Store is the subset of the record store a sync needs. Lookups return
// db.ErrNotFound on a miss and CreateOpportunity returns db.ErrDuplicateKey
// when the opportunity id is taken.
type Store interface {
	GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error)
	FindOpportunityByAltID(ctx context.Context, id string) (*models.Opportunity, error)
	FindOpportunityByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error)
	CreateOpportunity(ctx context.Context, opp *models.Opportunity) error
	OverwriteOpportunity(ctx context.Context, id string, opp *models.Opportunity) error
}

type Service struct {
	upstream Upstream
	store    Store
}

func NewService(upstream Upstream, store Store) *Service {
	return &Service{upstream: upstream, store: store}
}

// SyncError records why one upstream record was not stored.
type SyncError struct {
	OpportunityID string `json:"opportunityID"`
	Error         string `json:"error"`
}

type SyncResult struct {
	Fetched int         `json:"fetched"`
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Errors  []SyncError `json:"errors,omitempty"`
}

// GetOrSync resolves id against the local store (primary key, then object
// id or opportunity id) and, on a miss, pulls the record from the CRM and
// stores it. Upstream failures are returned as-is; ErrNotFound means the
// CRM answered and does not have it either.
func (s *Service) GetOrSync(ctx context.Context, id string) (*models.Opportunity, error) {
	opp, err := s.store.GetOpportunity(ctx, id)
	if err == nil {
		return opp, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	opp, err = s.store.FindOpportunityByAltID(ctx, id)
	if err == nil {
		return opp, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	log.Printf("[Sync] Opportunity %s not found locally, fetching from SAP CRM", id)
	remote, err := s.upstream.FetchOpportunityByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from sap crm: %w", id, err)
	}
	if remote == nil {
		return nil, ErrNotFound
	}

	remote.Source = models.SourceSAPCRM
	remote.ApplyDefaults()
	if err := remote.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateOpportunity(ctx, remote); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			// Another request stored it first.
			return s.store.FindOpportunityByOpportunityID(ctx, remote.OpportunityID)
		}
		return nil, err
	}
	log.Printf("[Sync] Saved opportunity %s from SAP CRM", remote.OpportunityID)
	return remote, nil
}

// SyncAll pulls one page from the CRM and upserts each record by
// opportunity id. A failed fetch fails the whole batch; per-record
// failures are collected in the result.
func (s *Service) SyncAll(ctx context.Context, top, skip int) (*SyncResult, error) {
	if top <= 0 {
		top = DefaultSyncPageSize
	}
	if skip < 0 {
		skip = 0
	}

	opps, err := s.upstream.FetchAllOpportunities(ctx, top, skip)
	if err != nil {
		return nil, fmt.Errorf("sync from sap crm: %w", err)
	}

	res := &SyncResult{Fetched: len(opps)}
	for i := range opps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		opp := opps[i]
		created, err := s.upsert(ctx, &opp)
		if err != nil {
			log.Printf("[Sync] Error syncing opportunity %s: %v", opp.OpportunityID, err)
			res.Errors = append(res.Errors, SyncError{OpportunityID: opp.OpportunityID, Error: err.Error()})
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	log.Printf("[Sync] Synced %d opportunities: %d created, %d updated, %d errors",
		res.Fetched, res.Created, res.Updated, len(res.Errors))
	return res, nil
}

func (s *Service) upsert(ctx context.Context, opp *models.Opportunity) (bool, error) {
	opp.Source = models.SourceSAPCRM
	opp.ApplyDefaults()
	if err := opp.Validate(); err != nil {
		return false, err
	}

	existing, err := s.store.FindOpportunityByOpportunityID(ctx, opp.OpportunityID)
	switch {
	case err == nil:
		return false, s.store.OverwriteOpportunity(ctx, existing.ID, opp)
	case errors.Is(err, db.ErrNotFound):
		return true, s.store.CreateOpportunity(ctx, opp)
	default:
		return false, err
	}
}

// FetchRaw returns the normalized upstream record without storing it.
func (s *Service) FetchRaw(ctx context.Context, id string) (*models.Opportunity, error) {
	opp, err := s.upstream.FetchOpportunityByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from sap crm: %w", id, err)
	}
	if opp == nil {
		return nil, ErrNotFound
	}
	return opp, nil
}

// FetchPage returns one normalized page from the CRM without storing it.
func (s *Service) FetchPage(ctx context.Context, top, skip int) ([]models.Opportunity, error) {
	if top <= 0 {
		top = DefaultFetchPageSize
	}
	if skip < 0 {
		skip = 0
	}
	opps, err := s.upstream.FetchAllOpportunities(ctx, top, skip)
	if err != nil {
		return nil, fmt.Errorf("fetch from sap crm: %w", err)
	}
	return opps, nil
}

func (s *Service) TestConnection(ctx context.Context) crm.ConnectionStatus {
	return s.upstream.TestConnection(ctx)
}
