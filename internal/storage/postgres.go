package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

// PostgresStore implements RideStore and MessageStore on lib/pq.
// The conditional transition is a single UPDATE guarded by the expected
// status in the WHERE clause; zero rows affected means another caller
// won the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: postgres ping: %v", apperrors.ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, rider_id, driver_id, origin_lat, origin_lon, origin_address,
	dest_lat, dest_lon, dest_address, status, tier, fare, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	now := time.Now()
	r := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Status:      models.StatusSearching,
		Tier:        req.Tier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9,$10,NULL,$11,$12)`,
		r.ID, r.RiderID,
		r.Origin.Lat, r.Origin.Lon, r.Origin.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.Status, r.Tier, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert ride: %v", apperrors.ErrUnavailable, err)
	}
	return r, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ConditionalTransition(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1,
		    driver_id=COALESCE($2, driver_id),
		    fare=COALESCE($3, fare),
		    updated_at=$4
		WHERE id=$5 AND status=$6
		RETURNING `+rideColumns,
		next, patch.DriverID, patch.Fare, time.Now(), id, expected)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		// distinguish missing ride from lost race
		if _, getErr := p.GetByID(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: ride %s no longer %s", apperrors.ErrConflict, id, expected)
		}
		return nil, err
	}
	return nil, err
}

func (p *PostgresStore) ListActive(ctx context.Context, userID string, role models.Role) ([]*models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides
		WHERE status IN ('SEARCHING','ACCEPTED','ARRIVED','IN_PROGRESS') AND ` + ownerColumn(role) + `=$1
		ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list active: %v", apperrors.ErrUnavailable, err)
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) ListHistory(ctx context.Context, userID string, role models.Role, page, perPage int) ([]*models.Ride, int, error) {
	if page < 1 || perPage < 1 {
		return nil, 0, fmt.Errorf("%w: page and per_page must be positive", apperrors.ErrValidation)
	}
	owner := ownerColumn(role)
	var total int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rides WHERE status IN ('COMPLETED','CANCELLED') AND `+owner+`=$1`,
		userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count history: %v", apperrors.ErrUnavailable, err)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides
		WHERE status IN ('COMPLETED','CANCELLED') AND `+owner+`=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list history: %v", apperrors.ErrUnavailable, err)
	}
	defer rows.Close()
	rides, err := scanRides(rows)
	if err != nil {
		return nil, 0, err
	}
	return rides, total, nil
}

func (p *PostgresStore) ListAvailable(ctx context.Context, tier string) ([]*models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides WHERE status='SEARCHING'`
	args := []interface{}{}
	if tier != "" {
		q += ` AND tier=$1`
		args = append(args, tier)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list available: %v", apperrors.ErrUnavailable, err)
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages(id, ride_id, sender_id, body, created_at) VALUES($1,$2,$3,$4,$5)`,
		m.ID, m.RideID, m.SenderID, m.Text, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", apperrors.ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) MessagesForRide(ctx context.Context, rideID string) ([]*models.Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ride_id, sender_id, body, created_at FROM messages WHERE ride_id=$1 ORDER BY created_at ASC`,
		rideID)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", apperrors.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func ownerColumn(role models.Role) string {
	if role == models.RoleDriver {
		return "driver_id"
	}
	return "rider_id"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var fare sql.NullFloat64
	err := row.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Origin.Lat, &r.Origin.Lon, &r.Origin.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.Status, &r.Tier, &fare, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ride", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan ride: %v", apperrors.ErrUnavailable, err)
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	if fare.Valid {
		r.Fare = &fare.Float64
	}
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
