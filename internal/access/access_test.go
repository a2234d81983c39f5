package access

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	admin2   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	manager  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type memoryStore struct {
	members map[Role][]common.Address
	saved   int
	deleted int
	failErr error
}

func (m *memoryStore) SaveRoleMember(_ context.Context, role Role, account common.Address) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.saved++
	return nil
}

func (m *memoryStore) DeleteRoleMember(_ context.Context, role Role, account common.Address) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.deleted++
	return nil
}

func (m *memoryStore) ListRoleMembers(context.Context) (map[Role][]common.Address, error) {
	return m.members, nil
}

func newController(t *testing.T, store Store) *Controller {
	t.Helper()
	c, err := New(map[Role][]common.Address{RoleAdmin: {admin}}, store, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewRequiresAdmin(t *testing.T) {
	_, err := New(map[Role][]common.Address{RoleGuardian: {guardian}}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrLastAdmin)

	_, err = New(map[Role][]common.Address{RoleAdmin: {{}}}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrZeroPrincipal)

	_, err = New(map[Role][]common.Address{"root": {admin}}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestGrantRequiresAdmin(t *testing.T) {
	c := newController(t, nil)
	ctx := context.Background()

	err := c.Grant(ctx, manager, RoleGuardian, guardian)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, c.HasRole(RoleGuardian, guardian))

	require.NoError(t, c.Grant(ctx, admin, RoleGuardian, guardian))
	assert.True(t, c.HasRole(RoleGuardian, guardian))
	assert.NoError(t, c.Require(RoleGuardian, guardian))
	assert.ErrorIs(t, c.Require(RoleOracleManager, guardian), ErrUnauthorized)
}

func TestRevokeLastAdminRejected(t *testing.T) {
	c := newController(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Revoke(ctx, admin, RoleAdmin, admin), ErrLastAdmin)
	require.ErrorIs(t, c.Renounce(ctx, RoleAdmin, admin), ErrLastAdmin)
	assert.True(t, c.HasRole(RoleAdmin, admin))

	require.NoError(t, c.Grant(ctx, admin, RoleAdmin, admin2))
	require.NoError(t, c.Renounce(ctx, RoleAdmin, admin))
	assert.False(t, c.HasRole(RoleAdmin, admin))

	require.ErrorIs(t, c.Revoke(ctx, admin2, RoleAdmin, admin2), ErrLastAdmin)
	assert.Equal(t, []common.Address{admin2}, c.Members(RoleAdmin))
}

func TestRenounceRequiresMembership(t *testing.T) {
	c := newController(t, nil)
	require.ErrorIs(t, c.Renounce(context.Background(), RoleGuardian, guardian), ErrUnauthorized)
}

func TestPersistenceFailureLeavesMembershipUnchanged(t *testing.T) {
	store := &memoryStore{failErr: errors.New("db down")}
	c := newController(t, store)

	err := c.Grant(context.Background(), admin, RoleOracleManager, manager)
	require.Error(t, err)
	assert.False(t, c.HasRole(RoleOracleManager, manager))
}

func TestLoadMergesPersistedMembers(t *testing.T) {
	store := &memoryStore{members: map[Role][]common.Address{
		RoleOracleManager: {manager},
		RoleGuardian:      {guardian},
	}}
	c := newController(t, store)
	require.NoError(t, c.Load(context.Background()))

	assert.True(t, c.HasRole(RoleOracleManager, manager))
	assert.True(t, c.HasRole(RoleGuardian, guardian))

	require.NoError(t, c.Grant(context.Background(), admin, RoleAdmin, admin2))
	require.NoError(t, c.Revoke(context.Background(), admin, RoleGuardian, guardian))
	assert.Equal(t, 1, store.saved)
	assert.Equal(t, 1, store.deleted)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("guardian")
	require.NoError(t, err)
	assert.Equal(t, RoleGuardian, r)

	_, err = ParseRole("owner")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestReloadAppliesGrantsAndRevocationsFromStore(t *testing.T) {
	store := &memoryStore{members: map[Role][]common.Address{RoleGuardian: {guardian}}}
	c := newController(t, store)
	ctx := context.Background()
	require.NoError(t, c.Load(ctx))
	assert.True(t, c.HasRole(RoleGuardian, guardian))

	// Another process revokes the guardian and grants a manager.
	store.members = map[Role][]common.Address{RoleOracleManager: {manager}}
	require.NoError(t, c.Reload(ctx))
	assert.False(t, c.HasRole(RoleGuardian, guardian))
	assert.True(t, c.HasRole(RoleOracleManager, manager))
	assert.True(t, c.HasRole(RoleAdmin, admin), "seeded members survive a reload")
}

func TestReloadWithoutStoreIsNoop(t *testing.T) {
	c := newController(t, nil)
	require.NoError(t, c.Grant(context.Background(), admin, RoleGuardian, guardian))
	require.NoError(t, c.Reload(context.Background()))
	assert.True(t, c.HasRole(RoleGuardian, guardian))
}
