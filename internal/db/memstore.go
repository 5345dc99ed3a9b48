package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/opportunity-crm/internal/models"
)

// MemoryStore is an in-process Repository. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	seq           int64
	opportunities map[string]memRecord[models.Opportunity]
	byOppID       map[string]string
	risks         map[string]memRecord[models.Risk]
	competitors   map[string]memRecord[models.Competitor]
}

type memRecord[T any] struct {
	seq int64
	val T
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]memRecord[models.Opportunity]),
		byOppID:       make(map[string]string),
		risks:         make(map[string]memRecord[models.Risk]),
		competitors:   make(map[string]memRecord[models.Competitor]),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryStore) Close() {}

func (m *MemoryStore) nextSeq() int64 {
	m.seq++
	return m.seq
}

func cloneOpportunity(o models.Opportunity) models.Opportunity {
	if o.CloseDate != nil {
		t := *o.CloseDate
		o.CloseDate = &t
	}
	if o.RawStatusMetadata != nil {
		meta := make(map[string]interface{}, len(o.RawStatusMetadata))
		for k, v := range o.RawStatusMetadata {
			meta[k] = v
		}
		o.RawStatusMetadata = meta
	}
	return o
}

func cloneRisk(r models.Risk) models.Risk {
	if r.DueDate != nil {
		t := *r.DueDate
		r.DueDate = &t
	}
	return r
}

func cloneCompetitor(c models.Competitor) models.Competitor {
	if c.WinProbability != nil {
		p := *c.WinProbability
		c.WinProbability = &p
	}
	return c
}

// page sorts records on the requested field, then by insertion order, and slices out one page.
func page[T any](recs []memRecord[T], spec SortSpec, key func(T, string) interface{}, limit, offset int) []T {
	spec = sortOrDefault(spec)
	sort.SliceStable(recs, func(i, j int) bool {
		c := compareValues(key(recs[i].val, spec.Field), key(recs[j].val, spec.Field))
		if c == 0 {
			c = compareValues(recs[i].seq, recs[j].seq)
		}
		if spec.Desc {
			return c > 0
		}
		return c < 0
	})

	if offset > len(recs) {
		offset = len(recs)
	}
	end := len(recs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]T, 0, end-offset)
	for _, r := range recs[offset:end] {
		out = append(out, r.val)
	}
	return out
}

// compareValues orders the field kinds records sort on. A nil time sorts
// after any set time.
func compareValues(a, b interface{}) int {
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case int64:
		y := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		return x.Compare(b.(time.Time))
	case *time.Time:
		y := b.(*time.Time)
		switch {
		case x == nil && y == nil:
			return 0
		case x == nil:
			return 1
		case y == nil:
			return -1
		}
		return x.Compare(*y)
	}
	return 0
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Opportunities

func opportunitySortKey(o models.Opportunity, field string) interface{} {
	switch field {
	case "updatedAt":
		return o.UpdatedAt
	case "name":
		return o.Name
	case "opportunityID":
		return o.OpportunityID
	case "salesStage":
		return string(o.SalesStage)
	case "expectedRevenueAmount":
		return o.ExpectedRevenueAmount
	case "closeDate":
		return o.CloseDate
	}
	return o.CreatedAt
}

func (m *MemoryStore) ListOpportunities(ctx context.Context, f OpportunityFilter) ([]models.Opportunity, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []memRecord[models.Opportunity]
	for _, r := range m.opportunities {
		o := r.val
		if f.SalesStage != "" && string(o.SalesStage) != f.SalesStage {
			continue
		}
		if f.Source != "" && string(o.Source) != f.Source {
			continue
		}
		if f.Search != "" && !containsFold(o.Name, f.Search) && !containsFold(o.OpportunityID, f.Search) {
			continue
		}
		recs = append(recs, memRecord[models.Opportunity]{seq: r.seq, val: cloneOpportunity(o)})
	}
	return page(recs, f.Sort, opportunitySortKey, f.Limit, f.Offset), len(recs), nil
}

func (m *MemoryStore) GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.opportunities[id]
	if !ok {
		return nil, ErrNotFound
	}
	o := cloneOpportunity(r.val)
	return &o, nil
}

func (m *MemoryStore) FindOpportunityByAltID(ctx context.Context, id string) (*models.Opportunity, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.opportunities {
		if r.val.ExternalObjectID == id {
			o := cloneOpportunity(r.val)
			return &o, nil
		}
	}
	if pk, ok := m.byOppID[id]; ok {
		o := cloneOpportunity(m.opportunities[pk].val)
		return &o, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindOpportunityByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pk, ok := m.byOppID[opportunityID]
	if !ok {
		return nil, ErrNotFound
	}
	o := cloneOpportunity(m.opportunities[pk].val)
	return &o, nil
}

func (m *MemoryStore) CreateOpportunity(ctx context.Context, o *models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byOppID[o.OpportunityID]; taken {
		return ErrDuplicateKey
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, taken := m.opportunities[o.ID]; taken {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.opportunities[o.ID] = memRecord[models.Opportunity]{seq: m.nextSeq(), val: cloneOpportunity(*o)}
	m.byOppID[o.OpportunityID] = o.ID
	return nil
}

func (m *MemoryStore) UpdateOpportunity(ctx context.Context, o *models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.opportunities[o.ID]
	if !ok {
		return ErrNotFound
	}
	if pk, taken := m.byOppID[o.OpportunityID]; taken && pk != o.ID {
		return ErrDuplicateKey
	}
	delete(m.byOppID, existing.val.OpportunityID)
	m.byOppID[o.OpportunityID] = o.ID

	o.CreatedAt = existing.val.CreatedAt
	o.UpdatedAt = time.Now().UTC()
	m.opportunities[o.ID] = memRecord[models.Opportunity]{seq: existing.seq, val: cloneOpportunity(*o)}
	return nil
}

func (m *MemoryStore) OverwriteOpportunity(ctx context.Context, id string, o *models.Opportunity) error {
	o.ID = id
	return m.UpdateOpportunity(ctx, o)
}

func (m *MemoryStore) DeleteOpportunity(ctx context.Context, id string, cascade bool) (CascadeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.opportunities[id]
	if !ok {
		return CascadeResult{}, ErrNotFound
	}
	var res CascadeResult
	if cascade {
		res.RisksDeleted = deleteWhere(m.risks, func(x models.Risk) bool { return x.OpportunityID == r.val.OpportunityID })
		res.CompetitorsDeleted = deleteWhere(m.competitors, func(x models.Competitor) bool { return x.OpportunityID == r.val.OpportunityID })
	}
	delete(m.byOppID, r.val.OpportunityID)
	delete(m.opportunities, id)
	return res, nil
}

func deleteWhere[T any](recs map[string]memRecord[T], match func(T) bool) int {
	n := 0
	for id, r := range recs {
		if match(r.val) {
			delete(recs, id)
			n++
		}
	}
	return n
}

func countWhere[T any](recs map[string]memRecord[T], match func(T) bool) int {
	n := 0
	for _, r := range recs {
		if match(r.val) {
			n++
		}
	}
	return n
}

// Risks

func riskSortKey(r models.Risk, field string) interface{} {
	switch field {
	case "updatedAt":
		return r.UpdatedAt
	case "title":
		return r.Title
	case "impact":
		return r.Impact
	case "probability":
		return r.Probability
	case "status":
		return r.Status
	case "dueDate":
		return r.DueDate
	}
	return r.CreatedAt
}

func (m *MemoryStore) ListRisks(ctx context.Context, f RiskFilter) ([]models.Risk, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []memRecord[models.Risk]
	for _, r := range m.risks {
		x := r.val
		if f.OpportunityID != "" && x.OpportunityID != f.OpportunityID {
			continue
		}
		if f.Status != "" && x.Status != f.Status {
			continue
		}
		if f.Impact != "" && x.Impact != f.Impact {
			continue
		}
		if f.Probability != "" && x.Probability != f.Probability {
			continue
		}
		if f.Search != "" && !containsFold(x.Title, f.Search) && !containsFold(x.Description, f.Search) {
			continue
		}
		recs = append(recs, memRecord[models.Risk]{seq: r.seq, val: cloneRisk(x)})
	}
	return page(recs, f.Sort, riskSortKey, f.Limit, f.Offset), len(recs), nil
}

func (m *MemoryStore) GetRisk(ctx context.Context, id string) (*models.Risk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.risks[id]
	if !ok {
		return nil, ErrNotFound
	}
	x := cloneRisk(r.val)
	return &x, nil
}

func (m *MemoryStore) CreateRisk(ctx context.Context, r *models.Risk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, taken := m.risks[r.ID]; taken {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.risks[r.ID] = memRecord[models.Risk]{seq: m.nextSeq(), val: cloneRisk(*r)}
	return nil
}

func (m *MemoryStore) UpdateRisk(ctx context.Context, r *models.Risk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.risks[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = existing.val.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.risks[r.ID] = memRecord[models.Risk]{seq: existing.seq, val: cloneRisk(*r)}
	return nil
}

func (m *MemoryStore) DeleteRisk(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.risks[id]; !ok {
		return ErrNotFound
	}
	delete(m.risks, id)
	return nil
}

func (m *MemoryStore) CountRisksByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countWhere(m.risks, func(x models.Risk) bool { return x.OpportunityID == opportunityID }), nil
}

func (m *MemoryStore) DeleteRisksByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deleteWhere(m.risks, func(x models.Risk) bool { return x.OpportunityID == opportunityID }), nil
}

func (m *MemoryStore) RiskStats(ctx context.Context, opportunityID string) (models.RiskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st models.RiskStats
	for _, r := range m.risks {
		x := r.val
		if opportunityID != "" && x.OpportunityID != opportunityID {
			continue
		}
		st.Total++
		switch x.Status {
		case models.RiskOpen:
			st.Open++
		case models.RiskMitigated:
			st.Mitigated++
		case models.RiskClosed:
			st.Closed++
		}
		if x.Impact == models.LevelHigh {
			st.HighImpact++
		}
		if x.Probability == models.LevelHigh {
			st.HighProbability++
		}
	}
	return st, nil
}

// Competitors

func competitorSortKey(c models.Competitor, field string) interface{} {
	switch field {
	case "updatedAt":
		return c.UpdatedAt
	case "name":
		return c.Name
	case "threatLevel":
		return c.ThreatLevel
	case "status":
		return c.Status
	}
	return c.CreatedAt
}

func (m *MemoryStore) ListCompetitors(ctx context.Context, f CompetitorFilter) ([]models.Competitor, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []memRecord[models.Competitor]
	for _, r := range m.competitors {
		x := r.val
		if f.OpportunityID != "" && x.OpportunityID != f.OpportunityID {
			continue
		}
		if f.ThreatLevel != "" && x.ThreatLevel != f.ThreatLevel {
			continue
		}
		if f.Status != "" && x.Status != f.Status {
			continue
		}
		recs = append(recs, memRecord[models.Competitor]{seq: r.seq, val: cloneCompetitor(x)})
	}
	return page(recs, f.Sort, competitorSortKey, f.Limit, f.Offset), len(recs), nil
}

func (m *MemoryStore) GetCompetitor(ctx context.Context, id string) (*models.Competitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.competitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	x := cloneCompetitor(r.val)
	return &x, nil
}

func (m *MemoryStore) CreateCompetitor(ctx context.Context, c *models.Competitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, taken := m.competitors[c.ID]; taken {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.competitors[c.ID] = memRecord[models.Competitor]{seq: m.nextSeq(), val: cloneCompetitor(*c)}
	return nil
}

func (m *MemoryStore) UpdateCompetitor(ctx context.Context, c *models.Competitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.competitors[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = existing.val.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.competitors[c.ID] = memRecord[models.Competitor]{seq: existing.seq, val: cloneCompetitor(*c)}
	return nil
}

func (m *MemoryStore) DeleteCompetitor(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.competitors[id]; !ok {
		return ErrNotFound
	}
	delete(m.competitors, id)
	return nil
}

func (m *MemoryStore) CountCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countWhere(m.competitors, func(x models.Competitor) bool { return x.OpportunityID == opportunityID }), nil
}

func (m *MemoryStore) DeleteCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deleteWhere(m.competitors, func(x models.Competitor) bool { return x.OpportunityID == opportunityID }), nil
}

var _ Repository = (*MemoryStore)(nil)
