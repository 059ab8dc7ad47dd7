// Package tms implements the Trixel Management Server registry: server
// records, credential issuance and verification, and the fixed root
// delegation bootstrap.
package tms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/trixelservice/trixellookup/internal/htm"
	"github.com/trixelservice/trixellookup/internal/services/delegation"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

// maxInsertRetries bounds the retry loop on secret uniqueness collisions.
// A collision of two 32-byte random secrets is practically impossible; the
// bound exists so a broken entropy source cannot spin forever.
const maxInsertRetries = 10

const secretSize = 32

var (
	// ErrNotFound reports an operation against an unknown TMS.
	ErrNotFound = errors.New("tms not found")

	// ErrInvalidToken reports a credential that does not verify against any
	// registered TMS.
	ErrInvalidToken = errors.New("invalid tms authentication token")

	// ErrNoFields reports an update without any field to change.
	ErrNoFields = errors.New("at least one of host or active must be provided")
)

// Service handles TMS registry operations.
type Service struct {
	db          *database.PostgreSQL
	logger      *logger.Logger
	delegations *delegation.Service
}

// NewService creates a new TMS registry service.
func NewService(db *database.PostgreSQL, logger *logger.Logger, delegations *delegation.Service) *Service {
	return &Service{
		db:          db,
		logger:      logger,
		delegations: delegations,
	}
}

// TMS represents a registered Trixel Management Server. The signing secret
// never leaves the store.
type TMS struct {
	ID     int    `json:"id"`
	Host   string `json:"host"`
	Active bool   `json:"active"`
}

// tokenClaims are the claims carried by a TMS credential.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// Register creates a new TMS record with a fresh random signing secret and
// returns the record together with the one-time plaintext credential. The
// insert is retried a bounded number of times on a secret uniqueness
// collision.
func (s *Service) Register(ctx context.Context, host string) (*TMS, string, error) {
	s.logger.Infof("Registering new TMS for host: %s", host)

	for attempt := 0; attempt < maxInsertRetries; attempt++ {
		secret := make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, "", fmt.Errorf("failed to generate tms secret: %w", err)
		}

		var tms TMS
		err := s.db.Pool().QueryRow(ctx,
			"INSERT INTO tms (host, secret) VALUES ($1, $2) RETURNING tms_id, host, active",
			host, secret).Scan(&tms.ID, &tms.Host, &tms.Active)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				s.logger.Warnf("TMS secret collision on attempt %d, retrying", attempt+1)
				continue
			}
			return nil, "", fmt.Errorf("failed to insert tms: %w", err)
		}

		token, err := signToken(secret, tms.ID)
		if err != nil {
			return nil, "", err
		}
		return &tms, token, nil
	}

	return nil, "", fmt.Errorf("failed to insert tms after %d retries", maxInsertRetries)
}

// signToken issues the HS256 credential for a TMS, signed with its secret.
// The TMS ID travels in the subject claim so verification can locate the
// secret without a table scan.
func signToken(secret []byte, tmsID int) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.Itoa(tmsID),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign tms token: %w", err)
	}
	return token, nil
}

// tmsIDFromToken extracts the claimed TMS ID without verifying the
// signature. The caller must verify against the stored secret afterwards.
func tmsIDFromToken(token string) (int, error) {
	claims := &tokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0, ErrInvalidToken
	}

	id, err := strconv.Atoi(claims.Subject)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// verifyToken checks the token signature against the secret of the TMS it
// claims to belong to.
func verifyToken(token string, secret []byte) error {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// VerifyCredential validates a presented credential and returns the TMS ID
// it belongs to.
func (s *Service) VerifyCredential(ctx context.Context, token string) (int, error) {
	tmsID, err := tmsIDFromToken(token)
	if err != nil {
		return 0, err
	}

	var secret []byte
	err = s.db.Pool().QueryRow(ctx, "SELECT secret FROM tms WHERE tms_id = $1", tmsID).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("failed to look up tms secret: %w", err)
	}

	if err := verifyToken(token, secret); err != nil {
		return 0, err
	}
	return tmsID, nil
}

// ActivateWithRootDelegations marks the TMS active and delegates all eight
// root trixels to it. This is the fixed single-tenant bootstrap policy;
// dynamic multi-tenant delegation would replace it.
func (s *Service) ActivateWithRootDelegations(ctx context.Context, tmsID int) (*TMS, error) {
	active := true
	tms, err := s.Update(ctx, tmsID, nil, &active)
	if err != nil {
		return nil, err
	}

	if _, err := s.delegations.Insert(ctx, tmsID, htm.RootIDs()); err != nil {
		return nil, fmt.Errorf("failed to delegate root trixels: %w", err)
	}

	s.logger.Infof("Activated TMS %d with root delegations", tmsID)
	return tms, nil
}

// Update changes the host and/or active flag of a TMS. At least one field
// must be provided. Deactivation cascades to the removal of all delegation
// rows of the TMS.
func (s *Service) Update(ctx context.Context, tmsID int, host *string, active *bool) (*TMS, error) {
	if host == nil && active == nil {
		return nil, ErrNoFields
	}

	sets := []string{}
	args := []interface{}{}
	argIndex := 1

	if host != nil {
		sets = append(sets, fmt.Sprintf("host = $%d", argIndex))
		args = append(args, *host)
		argIndex++
	}
	if active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", argIndex))
		args = append(args, *active)
		argIndex++
	}

	query := fmt.Sprintf("UPDATE tms SET %s WHERE tms_id = $%d RETURNING tms_id, host, active",
		strings.Join(sets, ", "), argIndex)
	args = append(args, tmsID)

	var tms TMS
	err := s.db.Pool().QueryRow(ctx, query, args...).Scan(&tms.ID, &tms.Host, &tms.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Errorf("Failed to update TMS %d: %v", tmsID, err)
		return nil, err
	}

	if active != nil && !*active {
		if err := s.delegations.RemoveForTMS(ctx, tmsID); err != nil {
			return nil, err
		}
	}

	return &tms, nil
}

// Get retrieves a TMS record by ID.
func (s *Service) Get(ctx context.Context, tmsID int) (*TMS, error) {
	var tms TMS
	err := s.db.Pool().QueryRow(ctx,
		"SELECT tms_id, host, active FROM tms WHERE tms_id = $1", tmsID).Scan(&tms.ID, &tms.Host, &tms.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tms, nil
}

// List returns registered TMS records, optionally filtered by active state.
func (s *Service) List(ctx context.Context, active *bool, limit, offset int) ([]TMS, error) {
	query := "SELECT tms_id, host, active FROM tms"
	args := []interface{}{}
	if active != nil {
		query += " WHERE active = $1"
		args = append(args, *active)
	}
	query += fmt.Sprintf(" ORDER BY tms_id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		s.logger.Errorf("Failed to list TMS records: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var servers []TMS
	for rows.Next() {
		var tms TMS
		if err := rows.Scan(&tms.ID, &tms.Host, &tms.Active); err != nil {
			return nil, err
		}
		servers = append(servers, tms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return servers, nil
}

// CountActive returns the number of active TMS records, used to enforce the
// configured active-TMS ceiling before a registration.
func (s *Service) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM tms WHERE active").Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
