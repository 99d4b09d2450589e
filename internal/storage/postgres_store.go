package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/helper-matching/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a SQL file against the store's database.
func (p *PostgresStore) Migrate(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.Exec(string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return nil
}

func (p *PostgresStore) SaveBooking(b *models.Booking) error {
	candidates, assigned, err := encodeHelpers(b)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO bookings(id, requester_id, service_type, description, address, user_lat, user_lng, status, candidates, assigned_helper, eta_minutes, reassignment_count, created_at, assigned_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.RequesterID, string(b.ServiceType), b.Description, b.Address, b.UserLocation.Lat, b.UserLocation.Lng,
		string(b.Status), candidates, assigned, b.ETA, b.ReassignmentCount, b.Timestamps.CreatedAt, b.Timestamps.AssignedAt, time.Now())
	return err
}

func (p *PostgresStore) UpdateBooking(b *models.Booking) error {
	candidates, assigned, err := encodeHelpers(b)
	if err != nil {
		return err
	}
	ts := b.Timestamps
	_, err = p.db.Exec(`UPDATE bookings SET status=$1, candidates=$2, assigned_helper=$3, eta_minutes=$4, reassignment_count=$5,
		assigned_at=$6, accepted_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10,
		rating=$11, review=$12, cancel_reason=$13, updated_at=$14 WHERE id=$15`,
		string(b.Status), candidates, assigned, b.ETA, b.ReassignmentCount,
		ts.AssignedAt, ts.AcceptedAt, ts.StartedAt, ts.CompletedAt, ts.CancelledAt,
		b.Rating, b.Review, b.CancelReason, time.Now(), b.ID)
	return err
}

// encodeHelpers renders the helper columns as JSON text; pq would send raw
// []byte as bytea.
func encodeHelpers(b *models.Booking) (string, sql.NullString, error) {
	candidates, err := json.Marshal(b.Candidates)
	if err != nil {
		return "", sql.NullString{}, err
	}
	var assigned sql.NullString
	if b.AssignedHelper != nil {
		a, err := json.Marshal(b.AssignedHelper)
		if err != nil {
			return "", sql.NullString{}, err
		}
		assigned = sql.NullString{String: string(a), Valid: true}
	}
	return string(candidates), assigned, nil
}
