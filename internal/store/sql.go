package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jsherman999/occupancyhub/internal/occupancy"
)

// SQL is the database/sql Store used for the sqlite3 and mysql dialects.
// Both use '?' placeholders, so the queries are shared.
type SQL struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

func NewSQL(sdb *sql.DB, dialect string) *SQL {
	return &SQL{db: sdb, dialect: dialect, now: time.Now}
}

func (s *SQL) Close() { _ = s.db.Close() }

func (s *SQL) AppendObservation(ctx context.Context, buildingID int64, zone string, count int) (time.Time, error) {
	ts := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO occupancy_observations(building_id, zone, occupancy_count, ts)
VALUES (?,?,?,?)
`, buildingID, zone, count, ts)
	if err != nil {
		if isForeignKeyViolation(err) {
			return time.Time{}, fmt.Errorf("insert observation: building %d: %w", buildingID, ErrUnknownBuilding)
		}
		return time.Time{}, fmt.Errorf("insert observation: %w", err)
	}
	return ts, nil
}

func (s *SQL) RecentObservations(ctx context.Context, buildingID int64, limit int) ([]occupancy.Observation, error) {
	out := []occupancy.Observation{}
	if limit <= 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, building_id, zone, occupancy_count, ts
FROM occupancy_observations
WHERE building_id=?
ORDER BY ts DESC, id DESC
LIMIT ?
`, buildingID, limit)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o occupancy.Observation
		if err := rows.Scan(&o.ID, &o.BuildingID, &o.Zone, &o.Count, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Timestamp = o.Timestamp.UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

func (s *SQL) CreateBuilding(ctx context.Context, name, address string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO buildings(name, address, created_at) VALUES (?,?,?)`, name, address, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert building: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert building: %w", err)
	}
	return id, nil
}

func (s *SQL) ListBuildings(ctx context.Context, limit int) ([]Building, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, created_at FROM buildings ORDER BY id LIMIT ?`, limit)
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
		b.CreatedAt = b.CreatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
