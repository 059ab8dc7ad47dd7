package delegation

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trixelservice/trixellookup/internal/htm"
	"github.com/trixelservice/trixellookup/internal/schema"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

// setupTestDB connects to the database named by DATABASE_URL, initializes
// the schema and truncates all mutable tables. Tests that need a database
// are skipped when the variable is unset.
func setupTestDB(t *testing.T) *database.PostgreSQL {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping database-backed tests")
	}

	ctx := context.Background()
	db, err := database.NewFromURL(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	log := logger.New("trixellookup", "test")
	log.SetLevel("ERROR")
	require.NoError(t, schema.Initialize(ctx, db, log))

	_, err = db.Pool().Exec(ctx, "TRUNCATE trixel_map, level_lookup, tms_delegations, tms RESTART IDENTITY")
	require.NoError(t, err)

	return db
}

func newTestService(t *testing.T) (*Service, *database.PostgreSQL) {
	t.Helper()
	log := logger.New("trixellookup", "test")
	log.SetLevel("ERROR")
	db := setupTestDB(t)
	return NewService(db, log), db
}

// insertTMS creates a TMS row directly. The host doubles as the unique
// secret so every call yields a distinct record.
func insertTMS(t *testing.T, db *database.PostgreSQL, host string, active bool) int {
	t.Helper()
	var id int
	err := db.Pool().QueryRow(context.Background(),
		"INSERT INTO tms (host, secret, active) VALUES ($1, $2, $3) RETURNING tms_id",
		host, []byte(host), active).Scan(&id)
	require.NoError(t, err)
	return id
}

// insertExclusion records an exclusion row directly, since the service only
// inserts non-excluded delegations.
func insertExclusion(t *testing.T, db *database.PostgreSQL, tmsID int, trixelID int64) {
	t.Helper()
	ctx := context.Background()

	level, err := htm.Level(trixelID)
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx,
		"INSERT INTO level_lookup (trixel_id, level) VALUES ($1, $2) ON CONFLICT (trixel_id) DO NOTHING",
		trixelID, level)
	require.NoError(t, err)

	_, err = db.Pool().Exec(ctx,
		"INSERT INTO tms_delegations (tms_id, trixel_id, exclude) VALUES ($1, $2, TRUE)",
		tmsID, trixelID)
	require.NoError(t, err)
}

func TestInsertRequiresKnownActiveTMS(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Insert(ctx, 999, []int64{8})
	assert.ErrorIs(t, err, ErrTMSNotFound)

	inactive := insertTMS(t, db, "idle.example.org", false)
	_, err = svc.Insert(ctx, inactive, []int64{8})
	assert.ErrorIs(t, err, ErrInactiveTMS)

	active := insertTMS(t, db, "busy.example.org", true)
	_, err = svc.Insert(ctx, active, []int64{7})
	assert.ErrorIs(t, err, htm.ErrInvalidTrixelID)
}

func TestResolveOwnerInheritsFromRootDelegation(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	tmsID := insertTMS(t, db, "one.example.org", true)
	_, err := svc.Insert(ctx, tmsID, []int64{8})
	require.NoError(t, err)

	// 141 has no delegation row of its own; ownership comes from root 8.
	owner, err := svc.ResolveOwner(ctx, 141)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, tmsID, owner.ID)
	assert.Equal(t, "one.example.org", owner.Host)

	// Trixels under a different root resolve to nobody.
	owner, err = svc.ResolveOwner(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, owner)
}

func TestResolveOwnerDeepestDelegationWins(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	rootOwner := insertTMS(t, db, "root.example.org", true)
	subOwner := insertTMS(t, db, "sub.example.org", true)

	_, err := svc.Insert(ctx, rootOwner, []int64{8})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, subOwner, []int64{35})
	require.NoError(t, err)

	// 141 sits under 35, which is deeper than root 8.
	owner, err := svc.ResolveOwner(ctx, 141)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, subOwner, owner.ID)

	// 32 is under root 8 but outside 35's subtree.
	owner, err = svc.ResolveOwner(ctx, 32)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, rootOwner, owner.ID)
}

func TestResolveOwnerSkipsExclusionsAndInactive(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	rootOwner := insertTMS(t, db, "root.example.org", true)
	subOwner := insertTMS(t, db, "sub.example.org", true)

	_, err := svc.Insert(ctx, rootOwner, []int64{8})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, subOwner, []int64{141})
	require.NoError(t, err)
	insertExclusion(t, db, rootOwner, 141)

	owner, err := svc.ResolveOwner(ctx, 141)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, subOwner, owner.ID)

	// With the claiming TMS deactivated, resolution falls back to the root
	// delegation; the exclusion row never counts as ownership.
	_, err = db.Pool().Exec(ctx, "UPDATE tms SET active = FALSE WHERE tms_id = $1", subOwner)
	require.NoError(t, err)

	owner, err = svc.ResolveOwner(ctx, 141)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, rootOwner, owner.ID)
}

func TestListForTMSPairsExclusionsWithOverridingOwner(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	rootOwner := insertTMS(t, db, "root.example.org", true)
	subOwner := insertTMS(t, db, "sub.example.org", true)

	_, err := svc.Insert(ctx, rootOwner, []int64{8})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, subOwner, []int64{141})
	require.NoError(t, err)
	insertExclusion(t, db, rootOwner, 141)

	delegations, err := svc.ListForTMS(ctx, rootOwner)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Delegation{
		{TMSID: rootOwner, TrixelID: 8},
		{TMSID: rootOwner, TrixelID: 141, Exclude: true},
		{TMSID: subOwner, TrixelID: 141},
	}, delegations)

	_, err = svc.ListForTMS(ctx, 999)
	assert.ErrorIs(t, err, ErrTMSNotFound)
}

func TestListAllOmitsInactiveTMS(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	keep := insertTMS(t, db, "keep.example.org", true)
	drop := insertTMS(t, db, "drop.example.org", true)

	_, err := svc.Insert(ctx, keep, []int64{8})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, drop, []int64{9})
	require.NoError(t, err)

	_, err = db.Pool().Exec(ctx, "UPDATE tms SET active = FALSE WHERE tms_id = $1", drop)
	require.NoError(t, err)

	delegations, err := svc.ListAll(ctx, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []Delegation{{TMSID: keep, TrixelID: 8}}, delegations)
}

func TestRemoveForTMS(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	tmsID := insertTMS(t, db, "gone.example.org", true)
	_, err := svc.Insert(ctx, tmsID, []int64{8, 9})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveForTMS(ctx, tmsID))

	delegations, err := svc.ListForTMS(ctx, tmsID)
	require.NoError(t, err)
	assert.Empty(t, delegations)
}
