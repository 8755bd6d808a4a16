package assignments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierflow/dispatch/pkg/database"
	"github.com/courierflow/dispatch/pkg/models"
)

const assignmentColumns = `id, order_id, driver_id, sequence, estimated_pickup_at,
	estimated_delivery_at, status, offer_expires_at, offer_round, responded_at,
	rejection_reason, time_window, created_at, updated_at`

// RejectOutcome carries the post-reject order counters needed by event
// payloads and round accounting.
type RejectOutcome struct {
	Assignment         *models.Assignment
	RejectionCount     int
	PriorityMultiplier float64
}

// ActiveLeg is an accepted assignment joined with its live order.
type ActiveLeg struct {
	Assignment *models.Assignment
	Order      *models.Order
}

// Repository persists assignments and drives the offer state machine. Every
// transition is a conditional update: concurrent accept and reject on the
// same row leave exactly one winner.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new assignments repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateOffered inserts a fresh Offered assignment and moves its order
// Pending → Offered in one transaction. It returns false without error when a
// precondition fails: the order is not Pending, the driver is blacklisted, or
// a live assignment already exists.
func (r *Repository) CreateOffered(ctx context.Context, a *models.Assignment) (bool, error) {
	tw, err := encodeTimeWindow(a.TimeWindow)
	if err != nil {
		return false, fmt.Errorf("failed to encode time window: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'offered', updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT (rejected_driver_ids @> ARRAY[$2]::uuid[])
		  AND NOT EXISTS (
			SELECT 1 FROM order_assignments
			WHERE order_id = $1 AND status IN ('offered', 'accepted')
		  )`,
		a.OrderID, a.DriverID)
	if err != nil {
		return false, fmt.Errorf("failed to move order to offered: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO order_assignments (id, order_id, driver_id, sequence,
			estimated_pickup_at, estimated_delivery_at, status, offer_expires_at,
			offer_round, time_window)
		VALUES ($1, $2, $3, $4, $5, $6, 'offered', $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.OrderID, a.DriverID, a.Sequence,
		a.EstimatedPickupAt, a.EstimatedDeliveryAt, a.OfferExpiresAt,
		a.OfferRound, tw).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit offered assignment: %w", err)
	}

	a.Status = models.AssignmentStatusOffered
	return true, nil
}

// RebuildRejected re-offers an order by updating its rejected or expired
// assignment row in place: new driver, new sequence and times, round
// incremented, expiry reset. The order moves Pending → Offered in the same
// transaction. Returns false when a precondition fails.
func (r *Repository) RebuildRejected(ctx context.Context, a *models.Assignment, expiresAt time.Time) (bool, error) {
	tw, err := encodeTimeWindow(a.TimeWindow)
	if err != nil {
		return false, fmt.Errorf("failed to encode time window: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'offered', updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT (rejected_driver_ids @> ARRAY[$2]::uuid[])`,
		a.OrderID, a.DriverID)
	if err != nil {
		return false, fmt.Errorf("failed to move order to offered: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	err = tx.QueryRow(ctx, `
		UPDATE order_assignments
		SET driver_id = $2,
			sequence = $3,
			estimated_pickup_at = $4,
			estimated_delivery_at = $5,
			status = 'offered',
			offer_expires_at = $6,
			offer_round = offer_round + 1,
			responded_at = NULL,
			rejection_reason = NULL,
			time_window = $7,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('rejected', 'expired')
		RETURNING offer_round, created_at, updated_at`,
		a.ID, a.DriverID, a.Sequence, a.EstimatedPickupAt, a.EstimatedDeliveryAt,
		expiresAt, tw).Scan(&a.OfferRound, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to rebuild assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit rebuilt assignment: %w", err)
	}

	a.Status = models.AssignmentStatusOffered
	a.OfferExpiresAt = &expiresAt
	a.RespondedAt = nil
	a.RejectionReason = nil
	return true, nil
}

// Accept transitions an offered, unexpired assignment held by the given
// driver to Accepted, its order to Assigned, and an Available driver to
// EnRoutePickup. Returns false without error when the conditional update
// matches no row.
func (r *Repository) Accept(ctx context.Context, id, driverID uuid.UUID, now time.Time) (*models.Assignment, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE order_assignments
		SET status = 'accepted', responded_at = $3, updated_at = $3
		WHERE id = $1
		  AND driver_id = $2
		  AND status = 'offered'
		  AND offer_expires_at >= $3
		RETURNING `+assignmentColumns,
		id, driverID, now)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to accept assignment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = 'assigned', updated_at = $2 WHERE id = $1`,
		a.OrderID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to move order to assigned: %w", err)
	}

	// A driver already en route with an earlier acceptance stays where they are.
	_, err = tx.Exec(ctx, `
		UPDATE drivers SET status = 'en_route_pickup', updated_at = $2
		WHERE id = $1 AND status = 'available'`,
		a.DriverID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to move driver to en_route_pickup: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit accepted assignment: %w", err)
	}

	return a, true, nil
}

// Reject transitions an offered assignment held by the given driver to
// Rejected and boosts its order in the same transaction: driver appended to
// the blacklist, rejection count incremented, priority multiplier raised by
// 0.2, status back to Pending. Returns false without error when the
// conditional update matches no row.
func (r *Repository) Reject(ctx context.Context, id, driverID uuid.UUID, reason *string, now time.Time) (*RejectOutcome, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE order_assignments
		SET status = 'rejected', responded_at = $4, rejection_reason = $3, updated_at = $4
		WHERE id = $1
		  AND driver_id = $2
		  AND status = 'offered'
		RETURNING `+assignmentColumns,
		id, driverID, reason, now)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to reject assignment: %w", err)
	}

	outcome := &RejectOutcome{Assignment: a}
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET status = 'pending',
			rejected_driver_ids = array_append(rejected_driver_ids, $2::uuid),
			rejection_count = rejection_count + 1,
			priority_multiplier = priority_multiplier + 0.2,
			updated_at = $3
		WHERE id = $1
		RETURNING rejection_count, priority_multiplier`,
		a.OrderID, a.DriverID, now).Scan(&outcome.RejectionCount, &outcome.PriorityMultiplier)
	if err != nil {
		return nil, false, fmt.Errorf("failed to boost rejected order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit rejected assignment: %w", err)
	}

	return outcome, true, nil
}

// ExpireStale sweeps every offered assignment whose expiry has passed,
// applying the full reject treatment with reason "expired". The sweep is
// idempotent: expired rows no longer match the status filter.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time) ([]*RejectOutcome, error) {
	// The sweep contends with Accept and Reject on the same order rows;
	// deadlocks are expected under load and the whole transaction is
	// retried.
	var outcomes []*RejectOutcome
	err := database.RetryableTransaction(ctx, r.db, func(tx pgx.Tx) error {
		outcomes = nil

		rows, err := tx.Query(ctx, `
			UPDATE order_assignments
			SET status = 'expired', responded_at = $1, rejection_reason = 'expired', updated_at = $1
			WHERE status = 'offered' AND offer_expires_at < $1
			RETURNING `+assignmentColumns,
			now)
		if err != nil {
			return fmt.Errorf("failed to expire stale assignments: %w", err)
		}
		expired, err := scanAssignments(rows)
		if err != nil {
			return err
		}

		outcomes = make([]*RejectOutcome, 0, len(expired))
		for _, a := range expired {
			outcome := &RejectOutcome{Assignment: a}
			err := tx.QueryRow(ctx, `
				UPDATE orders
				SET status = 'pending',
					rejected_driver_ids = array_append(rejected_driver_ids, $2::uuid),
					rejection_count = rejection_count + 1,
					priority_multiplier = priority_multiplier + 0.2,
					updated_at = $3
				WHERE id = $1
				RETURNING rejection_count, priority_multiplier`,
				a.OrderID, a.DriverID, now).Scan(&outcome.RejectionCount, &outcome.PriorityMultiplier)
			if err != nil {
				return fmt.Errorf("failed to boost expired order: %w", err)
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// RevertAllOffered cancels every offered assignment and returns its order to
// Pending, without blacklist or boost: no driver answered these offers. The
// matching loop calls this before recomputing sequences. The caller's clock
// stamps updated_at so round-outcome counts never straddle app and database
// time.
func (r *Repository) RevertAllOffered(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE order_assignments
		SET status = 'cancelled', updated_at = $1
		WHERE status = 'offered'
		RETURNING order_id`,
		now)
	if err != nil {
		return 0, fmt.Errorf("failed to revert offered assignments: %w", err)
	}
	orderIDs := make([]uuid.UUID, 0)
	for rows.Next() {
		var orderID uuid.UUID
		if err := rows.Scan(&orderID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan reverted order id: %w", err)
		}
		orderIDs = append(orderIDs, orderID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate reverted assignments: %w", err)
	}

	if len(orderIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE orders SET status = 'pending', updated_at = $2
			WHERE id = ANY($1) AND status = 'offered'`,
			orderIDs, now)
		if err != nil {
			return 0, fmt.Errorf("failed to return reverted orders to pending: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit offer revert: %w", err)
	}

	return int64(len(orderIDs)), nil
}

// MarkCompleted transitions an accepted assignment to Completed once its
// order is delivered. Returns false when the assignment is not accepted.
// Stamped with the caller's clock like every other transition.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE order_assignments
		SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'accepted'`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("failed to complete assignment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns one assignment by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Assignment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM order_assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

// LatestByOrder returns the order's most recent assignment, or nil when the
// order has never been offered.
func (r *Repository) LatestByOrder(ctx context.Context, orderID uuid.UUID) (*models.Assignment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM order_assignments
		WHERE order_id = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`,
		orderID)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest assignment: %w", err)
	}
	return a, nil
}

// ListOffered returns every offered assignment, soonest expiry first.
func (r *Repository) ListOffered(ctx context.Context) ([]*models.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM order_assignments
		WHERE status = 'offered'
		ORDER BY offer_expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list offered assignments: %w", err)
	}
	return scanAssignments(rows)
}

// ListOfferedByDriver returns a driver's open offers, soonest expiry first.
func (r *Repository) ListOfferedByDriver(ctx context.Context, driverID uuid.UUID) ([]*models.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM order_assignments
		WHERE driver_id = $1 AND status = 'offered'
		ORDER BY offer_expires_at ASC`,
		driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list driver offers: %w", err)
	}
	return scanAssignments(rows)
}

// ListActiveByDriver returns the driver's accepted assignments joined with
// their undelivered orders, in route sequence.
func (r *Repository) ListActiveByDriver(ctx context.Context, driverID uuid.UUID) ([]ActiveLeg, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.order_id, a.driver_id, a.sequence, a.estimated_pickup_at,
			a.estimated_delivery_at, a.status, a.offer_expires_at, a.offer_round,
			a.responded_at, a.rejection_reason, a.time_window, a.created_at, a.updated_at,
			o.pickup_lon, o.pickup_lat, o.dropoff_lon, o.dropoff_lat,
			o.base_priority, o.priority_multiplier, o.status, o.updated_at
		FROM order_assignments a
		JOIN orders o ON o.id = a.order_id
		WHERE a.driver_id = $1
		  AND a.status = 'accepted'
		  AND o.status IN ('assigned', 'picked_up')
		ORDER BY a.sequence ASC`,
		driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active legs: %w", err)
	}
	defer rows.Close()

	legs := make([]ActiveLeg, 0)
	for rows.Next() {
		a := &models.Assignment{}
		o := &models.Order{}
		var tw []byte
		err := rows.Scan(&a.ID, &a.OrderID, &a.DriverID, &a.Sequence,
			&a.EstimatedPickupAt, &a.EstimatedDeliveryAt, &a.Status,
			&a.OfferExpiresAt, &a.OfferRound, &a.RespondedAt, &a.RejectionReason,
			&tw, &a.CreatedAt, &a.UpdatedAt,
			&o.PickupLon, &o.PickupLat, &o.DropoffLon, &o.DropoffLat,
			&o.BasePriority, &o.PriorityMultiplier, &o.Status, &o.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active leg: %w", err)
		}
		if a.TimeWindow, err = decodeTimeWindow(tw); err != nil {
			return nil, fmt.Errorf("failed to decode time window: %w", err)
		}
		o.ID = a.OrderID
		legs = append(legs, ActiveLeg{Assignment: a, Order: o})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active legs: %w", err)
	}

	return legs, nil
}

// CountOutcomesSince tallies accepted, rejected and expired assignments
// touched at or after the given instant. The matching loop uses it to decide
// whether a round needs a successor.
func (r *Repository) CountOutcomesSince(ctx context.Context, since time.Time) (map[models.AssignmentStatus]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*)
		FROM order_assignments
		WHERE updated_at >= $1 AND status IN ('accepted', 'rejected', 'expired')
		GROUP BY status`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignment outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AssignmentStatus]int)
	for rows.Next() {
		var status models.AssignmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcome counts: %w", err)
	}

	return counts, nil
}

// ─── scanning ────────────────────────────────────────────────────────────────

func scanAssignment(row pgx.Row) (*models.Assignment, error) {
	a := &models.Assignment{}
	var tw []byte
	err := row.Scan(&a.ID, &a.OrderID, &a.DriverID, &a.Sequence,
		&a.EstimatedPickupAt, &a.EstimatedDeliveryAt, &a.Status,
		&a.OfferExpiresAt, &a.OfferRound, &a.RespondedAt, &a.RejectionReason,
		&tw, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.TimeWindow, err = decodeTimeWindow(tw); err != nil {
		return nil, err
	}
	return a, nil
}

func scanAssignments(rows pgx.Rows) ([]*models.Assignment, error) {
	defer rows.Close()

	list := make([]*models.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignments: %w", err)
	}
	return list, nil
}

func encodeTimeWindow(tw *models.TimeWindow) ([]byte, error) {
	if tw == nil {
		return nil, nil
	}
	return json.Marshal(tw)
}

func decodeTimeWindow(raw []byte) (*models.TimeWindow, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tw := &models.TimeWindow{}
	if err := json.Unmarshal(raw, tw); err != nil {
		return nil, err
	}
	return tw, nil
}
