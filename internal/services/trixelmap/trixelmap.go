// Package trixelmap persists the per-trixel, per-measurement-type sensor
// counts together with the shared trixel level index.
package trixelmap

import (
	"context"
	"fmt"

	"github.com/trixelservice/trixellookup/internal/htm"
	"github.com/trixelservice/trixellookup/internal/measurement"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

// Service handles sensor map operations.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new sensor map service.
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// Entry represents one sensor map row.
type Entry struct {
	TrixelID    int64
	Type        measurement.Type
	SensorCount int
}

// Upsert updates the sensor count for a (trixel, type) pair, inserting the
// row on first write. The trixel's level is recorded in the shared level
// index if not already present. The write is atomic per key: concurrent
// upserts for the same pair serialize on the primary key, last commit wins.
func (s *Service) Upsert(ctx context.Context, trixelID int64, typ measurement.Type, sensorCount int) (*Entry, error) {
	level, err := htm.Level(trixelID)
	if err != nil {
		return nil, err
	}

	typeID, err := typ.ID()
	if err != nil {
		return nil, err
	}

	if sensorCount < 0 {
		return nil, fmt.Errorf("sensor count must be non-negative, got %d", sensorCount)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO level_lookup (trixel_id, level) VALUES ($1, $2) ON CONFLICT (trixel_id) DO NOTHING",
		trixelID, level)
	if err != nil {
		return nil, fmt.Errorf("failed to record trixel level: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trixel_map (trixel_id, type_id, sensor_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (trixel_id, type_id) DO UPDATE SET sensor_count = EXCLUDED.sensor_count
	`, trixelID, typeID, sensorCount)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sensor count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sensor count: %w", err)
	}

	s.logger.Debugf("Upserted sensor count for trixel %d type %s: %d", trixelID, typ, sensorCount)
	return &Entry{TrixelID: trixelID, Type: typ, SensorCount: sensorCount}, nil
}

// BatchUpsert applies Upsert for every entry in updates. Entries are written
// independently: a failure partway through leaves earlier entries committed.
func (s *Service) BatchUpsert(ctx context.Context, typ measurement.Type, updates map[int64]int) error {
	for trixelID, sensorCount := range updates {
		if _, err := s.Upsert(ctx, trixelID, typ, sensorCount); err != nil {
			return err
		}
	}
	return nil
}

// SensorCounts returns the sensor count per measurement type for a trixel.
// Entries with count 0 are omitted. A nil types slice considers all known
// types.
func (s *Service) SensorCounts(ctx context.Context, trixelID int64, types []measurement.Type) (map[measurement.Type]int, error) {
	if _, err := htm.Level(trixelID); err != nil {
		return nil, err
	}

	typeIDs, err := resolveTypeIDs(types)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT type_id, sensor_count
		FROM trixel_map
		WHERE trixel_id = $1 AND type_id = ANY($2) AND sensor_count > 0
	`, trixelID, typeIDs)
	if err != nil {
		s.logger.Errorf("Failed to query sensor counts: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	counts := make(map[measurement.Type]int)
	for rows.Next() {
		var typeID, sensorCount int
		if err := rows.Scan(&typeID, &sensorCount); err != nil {
			return nil, err
		}
		typ, err := measurement.FromID(typeID)
		if err != nil {
			return nil, err
		}
		counts[typ] = sensorCount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// ActiveTrixelIDs lists distinct trixel IDs with at least one sensor of any
// of the given types, ordered by ID ascending for stable pagination. When
// root is non-nil, results are restricted to the subtree rooted at *root
// using the ancestor bit-shift relation.
func (s *Service) ActiveTrixelIDs(ctx context.Context, root *int64, types []measurement.Type, limit, offset int) ([]int64, error) {
	typeIDs, err := resolveTypeIDs(types)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT m.trixel_id
		FROM trixel_map m
		JOIN level_lookup l ON m.trixel_id = l.trixel_id
		WHERE m.sensor_count > 0 AND m.type_id = ANY($1)
	`
	args := []interface{}{typeIDs}

	if root != nil {
		rootLevel, err := htm.Level(*root)
		if err != nil {
			return nil, err
		}
		// A candidate belongs to the subtree iff shifting away the levels
		// below the root yields the root ID itself.
		query += " AND l.level >= $2 AND (m.trixel_id >> ((l.level - $2) * 2)) = $3"
		args = append(args, rootLevel, *root)
	}

	query += fmt.Sprintf(" ORDER BY m.trixel_id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		s.logger.Errorf("Failed to list active trixels: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

// resolveTypeIDs maps measurement types to their stable IDs; a nil slice
// expands to all known types.
func resolveTypeIDs(types []measurement.Type) ([]int, error) {
	if types == nil {
		types = measurement.All()
	}
	ids := make([]int, 0, len(types))
	for _, typ := range types {
		id, err := typ.ID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
