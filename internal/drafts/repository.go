package drafts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierflow/dispatch/pkg/models"
)

// Repository persists candidate drafts. Every optimisation run starts from a
// clean slate: only the drafts of the most recent run are kept.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new drafts repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ResetAll wipes the drafts of the previous run.
func (r *Repository) ResetAll(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `TRUNCATE draft_assignments, draft_groups`)
	if err != nil {
		return fmt.Errorf("failed to reset draft groups: %w", err)
	}
	return nil
}

// SaveCandidates stores every candidate of a session with its assignments in
// one transaction. Rows are written unselected; MarkSelected records the
// winner once its offers are actually placed.
func (r *Repository) SaveCandidates(ctx context.Context, groups []*models.DraftGroup) error {
	if len(groups) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	groupQuery := `
		INSERT INTO draft_groups (id, session_id, algorithm, total_travel_seconds,
			total_distance_meters, computation_ms, quality_score,
			constraints_violated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	assignmentQuery := `
		INSERT INTO draft_assignments (id, group_id, order_id, driver_id, sequence,
			estimated_pickup_at, estimated_delivery_at, insertion_cost,
			distance_to_pickup_m, distance_to_delivery_m)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for _, g := range groups {
		violated := g.ConstraintsViolated
		if violated == nil {
			violated = []string{}
		}

		_, err := tx.Exec(ctx, groupQuery,
			g.ID, g.SessionID, g.Algorithm, g.TotalTravelSeconds,
			g.TotalDistanceMeters, g.ComputationMS, g.QualityScore,
			violated, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert draft group: %w", err)
		}

		for _, a := range g.Assignments {
			_, err := tx.Exec(ctx, assignmentQuery,
				a.ID, a.GroupID, a.OrderID, a.DriverID, a.Sequence,
				a.EstimatedPickupAt, a.EstimatedDeliveryAt, a.InsertionCost,
				a.DistanceToPickupM, a.DistanceToDeliveryM)
			if err != nil {
				return fmt.Errorf("failed to insert draft assignment: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit draft groups: %w", err)
	}

	return nil
}

// MarkSelected flags the winning candidate of a session and clears the flag
// on its siblings.
func (r *Repository) MarkSelected(ctx context.Context, sessionID, groupID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE draft_groups SET is_selected = (id = $2) WHERE session_id = $1`,
		sessionID, groupID)
	if err != nil {
		return fmt.Errorf("failed to mark selected draft: %w", err)
	}
	return nil
}

// ListBySession returns a session's candidates, selected first, then best
// quality first, with assignments attached.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.DraftGroup, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, algorithm, total_travel_seconds, total_distance_meters,
			computation_ms, quality_score, constraints_violated, is_selected, created_at
		FROM draft_groups
		WHERE session_id = $1
		ORDER BY is_selected DESC, total_travel_seconds ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*models.DraftGroup, 0)
	byID := make(map[uuid.UUID]*models.DraftGroup)
	for rows.Next() {
		g := &models.DraftGroup{}
		err := rows.Scan(&g.ID, &g.SessionID, &g.Algorithm, &g.TotalTravelSeconds,
			&g.TotalDistanceMeters, &g.ComputationMS, &g.QualityScore,
			&g.ConstraintsViolated, &g.IsSelected, &g.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft group: %w", err)
		}
		groups = append(groups, g)
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draft groups: %w", err)
	}
	if len(groups) == 0 {
		return groups, nil
	}

	assignmentRows, err := r.db.Query(ctx, `
		SELECT da.id, da.group_id, da.order_id, da.driver_id, da.sequence,
			da.estimated_pickup_at, da.estimated_delivery_at, da.insertion_cost,
			da.distance_to_pickup_m, da.distance_to_delivery_m
		FROM draft_assignments da
		JOIN draft_groups dg ON dg.id = da.group_id
		WHERE dg.session_id = $1
		ORDER BY da.driver_id, da.sequence`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft assignments: %w", err)
	}
	defer assignmentRows.Close()

	for assignmentRows.Next() {
		var a models.DraftAssignment
		err := assignmentRows.Scan(&a.ID, &a.GroupID, &a.OrderID, &a.DriverID, &a.Sequence,
			&a.EstimatedPickupAt, &a.EstimatedDeliveryAt, &a.InsertionCost,
			&a.DistanceToPickupM, &a.DistanceToDeliveryM)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft assignment: %w", err)
		}
		if g, ok := byID[a.GroupID]; ok {
			g.Assignments = append(g.Assignments, a)
		}
	}
	if err := assignmentRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draft assignments: %w", err)
	}

	return groups, nil
}
