package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jsherman999/occupancyhub/internal/db"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
)

// ErrUnknownBuilding is returned when an observation references a building
// that does not exist at insert time.
var ErrUnknownBuilding = errors.New("unknown building")

// Store is the append-only occupancy record plus the small building registry
// the observations reference.
type Store interface {
	AppendObservation(ctx context.Context, buildingID int64, zone string, count int) (time.Time, error)
	RecentObservations(ctx context.Context, buildingID int64, limit int) ([]occupancy.Observation, error)
	CreateBuilding(ctx context.Context, name, address string) (int64, error)
	ListBuildings(ctx context.Context, limit int) ([]Building, error)
	Close()
}

type Building struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Open connects to the configured backend and applies its migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	if driver == "postgres" {
		d, err := db.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
		return NewPostgres(d), nil
	}

	sdb, err := db.OpenSQL(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.ApplySQLMigrations(ctx, sdb, driver); err != nil {
		sdb.Close()
		return nil, err
	}
	return NewSQL(sdb, driver), nil
}

// Postgres is the pgx-backed Store.
type Postgres struct{ db *db.DB }

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

func (s *Postgres) Close() { s.db.Close() }

func (s *Postgres) AppendObservation(ctx context.Context, buildingID int64, zone string, count int) (time.Time, error) {
	var ts time.Time
	err := s.db.Pool.QueryRow(ctx, `
INSERT INTO occupancy_observations(building_id, zone, occupancy_count)
VALUES ($1,$2,$3)
RETURNING ts;
`, buildingID, zone, count).Scan(&ts)
	if err != nil {
		if isForeignKeyViolation(err) {
			return time.Time{}, fmt.Errorf("insert observation: building %d: %w", buildingID, ErrUnknownBuilding)
		}
		return time.Time{}, fmt.Errorf("insert observation: %w", err)
	}
	return ts, nil
}

func (s *Postgres) RecentObservations(ctx context.Context, buildingID int64, limit int) ([]occupancy.Observation, error) {
	out := []occupancy.Observation{}
	if limit <= 0 {
		return out, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT id, building_id, zone, occupancy_count, ts
FROM occupancy_observations
WHERE building_id=$1
ORDER BY ts DESC, id DESC
LIMIT $2
`, buildingID, limit)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o occupancy.Observation
		if err := rows.Scan(&o.ID, &o.BuildingID, &o.Zone, &o.Count, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateBuilding(ctx context.Context, name, address string) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
INSERT INTO buildings(name, address)
VALUES ($1,$2)
RETURNING id;
`, name, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert building: %w", err)
	}
	return id, nil
}

func (s *Postgres) ListBuildings(ctx context.Context, limit int) ([]Building, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT id, name, address, created_at FROM buildings ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Building{}
	for rows.Next() {
		var b Building
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
