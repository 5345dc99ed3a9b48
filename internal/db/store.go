package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/opportunity-crm/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store is the Postgres Repository.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

// whereClause accumulates AND-ed conditions and their positional args.
type whereClause struct {
	sql  string
	args []interface{}
}

func newWhere() *whereClause {
	return &whereClause{sql: "WHERE 1=1"}
}

func (w *whereClause) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.sql += fmt.Sprintf(" AND %s = $%d", column, len(w.args))
}

func (w *whereClause) contains(value string, columns ...string) {
	if value == "" {
		return
	}
	w.args = append(w.args, "%"+escapeLike(value)+"%")
	conds := make([]string, 0, len(columns))
	for _, c := range columns {
		conds = append(conds, fmt.Sprintf("%s ILIKE $%d", c, len(w.args)))
	}
	w.sql += " AND (" + strings.Join(conds, " OR ") + ")"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func orderBy(spec SortSpec, fields map[string]string) string {
	spec = sortOrDefault(spec)
	column, ok := fields[spec.Field]
	if !ok {
		column, spec.Desc = "created_at", true
	}
	if spec.Desc {
		return fmt.Sprintf(" ORDER BY %s DESC NULLS LAST, id DESC", column)
	}
	return fmt.Sprintf(" ORDER BY %s ASC NULLS LAST, id ASC", column)
}

type scanFunc func(dest ...interface{}) error

// listRows counts and pages one table under a shared filter.
func listRows[T any](ctx context.Context, pool *pgxpool.Pool, table, cols string, w *whereClause, order string, limit, offset int, scan func(scanFunc) (T, error)) ([]T, int, error) {
	var total int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+" "+w.sql, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failed: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s%s", cols, table, w.sql, order)
	args := w.args
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, limit, offset)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, total, nil
}

// Opportunities

const opportunityCols = `id, object_id, opportunity_id, name, account_id, sales_stage,
	expected_revenue_amount, currency, close_date, source, sap_raw_data, created_at, updated_at`

func scanOpportunity(scan scanFunc) (models.Opportunity, error) {
	var o models.Opportunity
	var stage, source string
	var rawData []byte

	err := scan(
		&o.ID, &o.ExternalObjectID, &o.OpportunityID, &o.Name, &o.AccountID, &stage,
		&o.ExpectedRevenueAmount, &o.Currency, &o.CloseDate, &source, &rawData, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.SalesStage = models.SalesStage(stage)
	o.Source = models.Source(source)
	if len(rawData) > 0 {
		_ = json.Unmarshal(rawData, &o.RawStatusMetadata)
	}
	return o, nil
}

func encodeRawData(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (s *Store) ListOpportunities(ctx context.Context, f OpportunityFilter) ([]models.Opportunity, int, error) {
	w := newWhere()
	w.eq("sales_stage", f.SalesStage)
	w.eq("source", f.Source)
	w.contains(f.Search, "name", "opportunity_id")
	return listRows(ctx, s.pool, "opportunities", opportunityCols, w, orderBy(f.Sort, OpportunitySortFields), f.Limit, f.Offset, scanOpportunity)
}

func (s *Store) getOpportunityWhere(ctx context.Context, cond string, args ...interface{}) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+opportunityCols+" FROM opportunities WHERE "+cond, args...)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		return nil, mapError(err)
	}
	return &o, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	return s.getOpportunityWhere(ctx, "id = $1", id)
}

// FindOpportunityByAltID matches the CRM object id or the opportunity id,
// preferring an object id match.
func (s *Store) FindOpportunityByAltID(ctx context.Context, id string) (*models.Opportunity, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.getOpportunityWhere(ctx, "object_id = $1 OR opportunity_id = $1 ORDER BY (object_id = $1) DESC LIMIT 1", id)
}

func (s *Store) FindOpportunityByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error) {
	return s.getOpportunityWhere(ctx, "opportunity_id = $1", opportunityID)
}

func (s *Store) CreateOpportunity(ctx context.Context, o *models.Opportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	rawData, err := encodeRawData(o.RawStatusMetadata)
	if err != nil {
		return fmt.Errorf("encode sap raw data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (`+opportunityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.ExternalObjectID, o.OpportunityID, o.Name, o.AccountID, string(o.SalesStage),
		o.ExpectedRevenueAmount, o.Currency, o.CloseDate, string(o.Source), rawData, o.CreatedAt, o.UpdatedAt)
	return mapError(err)
}

// UpdateOpportunity writes every mutable field of o, including empty ones.
func (s *Store) UpdateOpportunity(ctx context.Context, o *models.Opportunity) error {
	rawData, err := encodeRawData(o.RawStatusMetadata)
	if err != nil {
		return fmt.Errorf("encode sap raw data: %w", err)
	}
	o.UpdatedAt = time.Now().UTC()
	err = s.pool.QueryRow(ctx, `
		UPDATE opportunities SET
			object_id = $2, opportunity_id = $3, name = $4, account_id = $5, sales_stage = $6,
			expected_revenue_amount = $7, currency = $8, close_date = $9, source = $10,
			sap_raw_data = $11, updated_at = $12
		WHERE id = $1
		RETURNING created_at
	`, o.ID, o.ExternalObjectID, o.OpportunityID, o.Name, o.AccountID, string(o.SalesStage),
		o.ExpectedRevenueAmount, o.Currency, o.CloseDate, string(o.Source), rawData, o.UpdatedAt).Scan(&o.CreatedAt)
	return mapError(err)
}

// OverwriteOpportunity replaces the stored record id with o, keeping only
// its identity and creation time.
func (s *Store) OverwriteOpportunity(ctx context.Context, id string, o *models.Opportunity) error {
	o.ID = id
	return s.UpdateOpportunity(ctx, o)
}

func (s *Store) DeleteOpportunity(ctx context.Context, id string, cascade bool) (CascadeResult, error) {
	var res CascadeResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var opportunityID string
		if err := tx.QueryRow(ctx, "SELECT opportunity_id FROM opportunities WHERE id = $1 FOR UPDATE", id).Scan(&opportunityID); err != nil {
			return err
		}
		if cascade {
			tag, err := tx.Exec(ctx, "DELETE FROM risks WHERE opportunity_id = $1", opportunityID)
			if err != nil {
				return err
			}
			res.RisksDeleted = int(tag.RowsAffected())
			tag, err = tx.Exec(ctx, "DELETE FROM competitors WHERE opportunity_id = $1", opportunityID)
			if err != nil {
				return err
			}
			res.CompetitorsDeleted = int(tag.RowsAffected())
		}
		_, err := tx.Exec(ctx, "DELETE FROM opportunities WHERE id = $1", id)
		return err
	})
	if err != nil {
		return CascadeResult{}, mapError(err)
	}
	return res, nil
}

// Risks

const riskCols = `id, title, description, impact, probability, status, owner, mitigation,
	due_date, opportunity_id, opportunity_name, created_at, updated_at`

func scanRisk(scan scanFunc) (models.Risk, error) {
	var r models.Risk
	err := scan(
		&r.ID, &r.Title, &r.Description, &r.Impact, &r.Probability, &r.Status, &r.Owner, &r.Mitigation,
		&r.DueDate, &r.OpportunityID, &r.OpportunityName, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (s *Store) ListRisks(ctx context.Context, f RiskFilter) ([]models.Risk, int, error) {
	w := newWhere()
	w.eq("opportunity_id", f.OpportunityID)
	w.eq("status", f.Status)
	w.eq("impact", f.Impact)
	w.eq("probability", f.Probability)
	w.contains(f.Search, "title", "description")
	return listRows(ctx, s.pool, "risks", riskCols, w, orderBy(f.Sort, RiskSortFields), f.Limit, f.Offset, scanRisk)
}

func (s *Store) GetRisk(ctx context.Context, id string) (*models.Risk, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+riskCols+" FROM risks WHERE id = $1", id)
	r, err := scanRisk(row.Scan)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (s *Store) CreateRisk(ctx context.Context, r *models.Risk) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risks (`+riskCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.Title, r.Description, r.Impact, r.Probability, r.Status, r.Owner, r.Mitigation,
		r.DueDate, r.OpportunityID, r.OpportunityName, r.CreatedAt, r.UpdatedAt)
	return mapError(err)
}

func (s *Store) UpdateRisk(ctx context.Context, r *models.Risk) error {
	r.UpdatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		UPDATE risks SET
			title = $2, description = $3, impact = $4, probability = $5, status = $6, owner = $7,
			mitigation = $8, due_date = $9, opportunity_id = $10, opportunity_name = $11, updated_at = $12
		WHERE id = $1
		RETURNING created_at
	`, r.ID, r.Title, r.Description, r.Impact, r.Probability, r.Status, r.Owner,
		r.Mitigation, r.DueDate, r.OpportunityID, r.OpportunityName, r.UpdatedAt).Scan(&r.CreatedAt)
	return mapError(err)
}

func (s *Store) deleteByID(ctx context.Context, table, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) countByOpportunity(ctx context.Context, table, opportunityID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE opportunity_id = $1", opportunityID).Scan(&n)
	return n, err
}

func (s *Store) deleteByOpportunity(ctx context.Context, table, opportunityID string) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE opportunity_id = $1", opportunityID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteRisk(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "risks", id)
}

func (s *Store) CountRisksByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	return s.countByOpportunity(ctx, "risks", opportunityID)
}

func (s *Store) DeleteRisksByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	return s.deleteByOpportunity(ctx, "risks", opportunityID)
}

func (s *Store) RiskStats(ctx context.Context, opportunityID string) (models.RiskStats, error) {
	var st models.RiskStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'Open'),
			COUNT(*) FILTER (WHERE status = 'Mitigated'),
			COUNT(*) FILTER (WHERE status = 'Closed'),
			COUNT(*) FILTER (WHERE impact = 'High'),
			COUNT(*) FILTER (WHERE probability = 'High')
		FROM risks
		WHERE $1::text = '' OR opportunity_id = $1
	`, opportunityID).Scan(&st.Total, &st.Open, &st.Mitigated, &st.Closed, &st.HighImpact, &st.HighProbability)
	return st, err
}

// Competitors

const competitorCols = `id, name, strengths, weaknesses, threat_level, status, strategy, price_position,
	win_probability, notes, opportunity_id, opportunity_name, created_at, updated_at`

func scanCompetitor(scan scanFunc) (models.Competitor, error) {
	var c models.Competitor
	err := scan(
		&c.ID, &c.Name, &c.Strengths, &c.Weaknesses, &c.ThreatLevel, &c.Status, &c.Strategy, &c.PricePosition,
		&c.WinProbability, &c.Notes, &c.OpportunityID, &c.OpportunityName, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (s *Store) ListCompetitors(ctx context.Context, f CompetitorFilter) ([]models.Competitor, int, error) {
	w := newWhere()
	w.eq("opportunity_id", f.OpportunityID)
	w.eq("threat_level", f.ThreatLevel)
	w.eq("status", f.Status)
	return listRows(ctx, s.pool, "competitors", competitorCols, w, orderBy(f.Sort, CompetitorSortFields), f.Limit, f.Offset, scanCompetitor)
}

func (s *Store) GetCompetitor(ctx context.Context, id string) (*models.Competitor, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+competitorCols+" FROM competitors WHERE id = $1", id)
	c, err := scanCompetitor(row.Scan)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (s *Store) CreateCompetitor(ctx context.Context, c *models.Competitor) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO competitors (`+competitorCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, c.ID, c.Name, c.Strengths, c.Weaknesses, c.ThreatLevel, c.Status, c.Strategy, c.PricePosition,
		c.WinProbability, c.Notes, c.OpportunityID, c.OpportunityName, c.CreatedAt, c.UpdatedAt)
	return mapError(err)
}

func (s *Store) UpdateCompetitor(ctx context.Context, c *models.Competitor) error {
	c.UpdatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		UPDATE competitors SET
			name = $2, strengths = $3, weaknesses = $4, threat_level = $5, status = $6, strategy = $7,
			price_position = $8, win_probability = $9, notes = $10, opportunity_id = $11,
			opportunity_name = $12, updated_at = $13
		WHERE id = $1
		RETURNING created_at
	`, c.ID, c.Name, c.Strengths, c.Weaknesses, c.ThreatLevel, c.Status, c.Strategy,
		c.PricePosition, c.WinProbability, c.Notes, c.OpportunityID, c.OpportunityName, c.UpdatedAt).Scan(&c.CreatedAt)
	return mapError(err)
}

func (s *Store) DeleteCompetitor(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "competitors", id)
}

func (s *Store) CountCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	return s.countByOpportunity(ctx, "competitors", opportunityID)
}

func (s *Store) DeleteCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error) {
	return s.deleteByOpportunity(ctx, "competitors", opportunityID)
}

var _ Repository = (*Store)(nil)
