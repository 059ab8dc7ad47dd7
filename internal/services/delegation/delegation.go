// Package delegation persists which TMS is authoritative for which trixel
// subtree and resolves ownership along the trixel ancestor chain.
package delegation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trixelservice/trixellookup/internal/htm"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

var (
	// ErrTMSNotFound reports a delegation operation against an unknown TMS.
	ErrTMSNotFound = errors.New("tms not found")

	// ErrInactiveTMS reports a delegation insert for a deactivated TMS.
	ErrInactiveTMS = errors.New("trixels cannot be delegated to a deactivated tms")
)

// Service handles delegation records and ownership resolution.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new delegation service.
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// Delegation represents one delegation row. Exclude marks a sub-trixel
// carved out of this TMS's authority because another TMS claims it.
type Delegation struct {
	TMSID    int   `json:"tms_id"`
	TrixelID int64 `json:"trixel_id"`
	Exclude  bool  `json:"exclude"`
}

// Owner describes the TMS resolved as authoritative for a trixel.
type Owner struct {
	ID     int
	Host   string
	Active bool
}

// Insert records non-excluded delegations for every trixel ID and updates
// the level index. The TMS must exist and be active. Rows are inserted with
// single-row granularity; a failure partway through does not roll back
// earlier rows.
//
// Conflict resolution for overlapping delegations (and automatic exclusion
// records) is not implemented; the bootstrap policy delegates to a single
// TMS only.
func (s *Service) Insert(ctx context.Context, tmsID int, trixelIDs []int64) ([]Delegation, error) {
	var active bool
	err := s.db.Pool().QueryRow(ctx, "SELECT active FROM tms WHERE tms_id = $1", tmsID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTMSNotFound
		}
		return nil, fmt.Errorf("failed to look up tms: %w", err)
	}
	if !active {
		return nil, ErrInactiveTMS
	}

	delegations := make([]Delegation, 0, len(trixelIDs))
	for _, trixelID := range trixelIDs {
		level, err := htm.Level(trixelID)
		if err != nil {
			return delegations, err
		}

		_, err = s.db.Pool().Exec(ctx,
			"INSERT INTO level_lookup (trixel_id, level) VALUES ($1, $2) ON CONFLICT (trixel_id) DO NOTHING",
			trixelID, level)
		if err != nil {
			return delegations, fmt.Errorf("failed to record trixel level: %w", err)
		}

		_, err = s.db.Pool().Exec(ctx,
			"INSERT INTO tms_delegations (tms_id, trixel_id) VALUES ($1, $2)",
			tmsID, trixelID)
		if err != nil {
			return delegations, fmt.Errorf("failed to insert delegation: %w", err)
		}

		delegations = append(delegations, Delegation{TMSID: tmsID, TrixelID: trixelID})
	}

	s.logger.Infof("Delegated %d trixels to TMS %d", len(delegations), tmsID)
	return delegations, nil
}

// ListAll returns delegation rows belonging to currently active TMSs.
func (s *Service) ListAll(ctx context.Context, limit, offset int) ([]Delegation, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT d.tms_id, d.trixel_id, d.exclude
		FROM tms_delegations d
		JOIN tms t ON d.tms_id = t.tms_id AND t.active
		ORDER BY d.tms_id, d.trixel_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		s.logger.Errorf("Failed to list delegations: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	return scanDelegations(rows)
}

// ListForTMS returns all delegation rows of the given TMS plus, for every
// excluded trixel, the non-excluded delegation of the TMS that claims it.
// The TMS must exist, but may be inactive (in which case no rows match).
func (s *Service) ListForTMS(ctx context.Context, tmsID int) ([]Delegation, error) {
	var exists bool
	err := s.db.Pool().QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM tms WHERE tms_id = $1)", tmsID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check tms existence: %w", err)
	}
	if !exists {
		return nil, ErrTMSNotFound
	}

	// Pair each exclusion with the overriding owner's delegation for the
	// same trixel.
	rows, err := s.db.Pool().Query(ctx, `
		SELECT d.tms_id, d.trixel_id, d.exclude, o.tms_id, o.trixel_id, o.exclude
		FROM tms_delegations d
		JOIN tms t ON d.tms_id = t.tms_id AND t.active
		LEFT JOIN tms_delegations o
			ON d.trixel_id = o.trixel_id AND d.exclude AND NOT o.exclude
		WHERE d.tms_id = $1
		ORDER BY d.trixel_id
	`, tmsID)
	if err != nil {
		s.logger.Errorf("Failed to list tms delegations: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var delegations []Delegation
	for rows.Next() {
		var own Delegation
		var otherTMSID *int
		var otherTrixelID *int64
		var otherExclude *bool
		err := rows.Scan(&own.TMSID, &own.TrixelID, &own.Exclude, &otherTMSID, &otherTrixelID, &otherExclude)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, own)
		if otherTMSID != nil {
			delegations = append(delegations, Delegation{
				TMSID:    *otherTMSID,
				TrixelID: *otherTrixelID,
				Exclude:  *otherExclude,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return delegations, nil
}

// RemoveForTMS deletes all delegation rows of a TMS. Invoked when a TMS is
// deactivated.
func (s *Service) RemoveForTMS(ctx context.Context, tmsID int) error {
	commandTag, err := s.db.Pool().Exec(ctx, "DELETE FROM tms_delegations WHERE tms_id = $1", tmsID)
	if err != nil {
		s.logger.Errorf("Failed to remove delegations for TMS %d: %v", tmsID, err)
		return err
	}

	s.logger.Infof("Removed %d delegations for TMS %d", commandTag.RowsAffected(), tmsID)
	return nil
}

// ResolveOwner determines the TMS authoritative for a trixel by walking its
// ancestor chain: among all non-excluded delegations of active TMSs matching
// the trixel or any of its ancestors, the deepest-level match wins. Returns
// nil when no delegation covers the trixel.
func (s *Service) ResolveOwner(ctx context.Context, trixelID int64) (*Owner, error) {
	ancestors, err := htm.Ancestors(trixelID)
	if err != nil {
		return nil, err
	}

	var owner Owner
	err = s.db.Pool().QueryRow(ctx, `
		SELECT t.tms_id, t.host, t.active
		FROM tms t
		JOIN tms_delegations d ON t.tms_id = d.tms_id AND t.active AND NOT d.exclude
		JOIN level_lookup l ON l.trixel_id = d.trixel_id
		WHERE d.trixel_id = ANY($1)
		ORDER BY l.level DESC
		LIMIT 1
	`, ancestors).Scan(&owner.ID, &owner.Host, &owner.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		s.logger.Errorf("Failed to resolve owner for trixel %d: %v", trixelID, err)
		return nil, fmt.Errorf("database query error: %w", err)
	}

	return &owner, nil
}

// OwnsAll reports whether every given trixel resolves to the given TMS.
// Short-circuits to false on the first mismatch or unresolved trixel.
func (s *Service) OwnsAll(ctx context.Context, tmsID int, trixelIDs []int64) (bool, error) {
	for _, trixelID := range trixelIDs {
		owner, err := s.ResolveOwner(ctx, trixelID)
		if err != nil {
			return false, err
		}
		if owner == nil || owner.ID != tmsID {
			return false, nil
		}
	}
	return true, nil
}

func scanDelegations(rows pgx.Rows) ([]Delegation, error) {
	var delegations []Delegation
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.TMSID, &d.TrixelID, &d.Exclude); err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return delegations, nil
}
