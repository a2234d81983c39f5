package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Role names a capability held by a set of principals.
type Role string

const (
	// RoleAdmin may grant and revoke every role.
	RoleAdmin Role = "admin"
	// RoleOracleManager may register routes and seed last-good prices.
	RoleOracleManager Role = "oracle_manager"
	// RoleGuardian may freeze and unfreeze assets.
	RoleGuardian Role = "guardian"
)

var (
	// ErrUnauthorized indicates the principal does not hold the required role.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrLastAdmin indicates the operation would leave no admin.
	ErrLastAdmin = errors.New("access: cannot remove last admin")
	// ErrUnknownRole indicates the role is not one of the known roles.
	ErrUnknownRole = errors.New("access: unknown role")
	// ErrZeroPrincipal indicates the zero address was used as a principal.
	ErrZeroPrincipal = errors.New("access: zero address principal")
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleAdmin, RoleOracleManager, RoleGuardian}

// ParseRole validates a role name.
func ParseRole(name string) (Role, error) {
	for _, r := range Roles {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// Store persists role membership.
type Store interface {
	SaveRoleMember(ctx context.Context, role Role, account common.Address) error
	DeleteRoleMember(ctx context.Context, role Role, account common.Address) error
	ListRoleMembers(ctx context.Context) (map[Role][]common.Address, error)
}

// Controller keeps one principal set per role.
type Controller struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
	seed    map[Role][]common.Address
	writes  uint64
	store   Store
	logger  zerolog.Logger
}

// New seeds a controller. At least one admin must be present after seeding.
func New(seed map[Role][]common.Address, store Store, logger zerolog.Logger) (*Controller, error) {
	c := &Controller{
		members: make(map[Role]map[common.Address]struct{}, len(Roles)),
		store:   store,
		logger:  logger.With().Str("component", "access").Logger(),
	}
	for _, r := range Roles {
		c.members[r] = make(map[common.Address]struct{})
	}

	for role, accounts := range seed {
		if _, ok := c.members[role]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		for _, acct := range accounts {
			if acct == (common.Address{}) {
				return nil, fmt.Errorf("seed %s: %w", role, ErrZeroPrincipal)
			}
			c.members[role][acct] = struct{}{}
		}
	}

	if len(c.members[RoleAdmin]) == 0 {
		return nil, fmt.Errorf("seed: %w", ErrLastAdmin)
	}
	c.seed = make(map[Role][]common.Address, len(seed))
	for role, accounts := range seed {
		c.seed[role] = append([]common.Address(nil), accounts...)
	}
	return c, nil
}

// Load merges persisted membership into the seeded sets.
func (c *Controller) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	persisted, err := c.store.ListRoleMembers(ctx)
	if err != nil {
		return fmt.Errorf("load role members: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for role, accounts := range persisted {
		set, ok := c.members[role]
		if !ok {
			c.logger.Warn().Str("role", string(role)).Msg("ignoring persisted members of unknown role")
			continue
		}
		for _, acct := range accounts {
			set[acct] = struct{}{}
			loaded++
		}
	}
	c.logger.Debug().Int("members", loaded).Msg("role membership loaded")
	return nil
}

// Reload rebuilds membership from the seed and the persisted members, so grants
// and revocations made by another process become visible. Membership changed
// locally while the store was being read is kept as is.
func (c *Controller) Reload(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	mark := c.writes
	c.mu.RUnlock()

	persisted, err := c.store.ListRoleMembers(ctx)
	if err != nil {
		return fmt.Errorf("reload role members: %w", err)
	}

	members := make(map[Role]map[common.Address]struct{}, len(Roles))
	for _, r := range Roles {
		members[r] = make(map[common.Address]struct{})
	}
	for _, src := range []map[Role][]common.Address{c.seed, persisted} {
		for role, accounts := range src {
			set, ok := members[role]
			if !ok {
				continue
			}
			for _, acct := range accounts {
				set[acct] = struct{}{}
			}
		}
	}
	if len(members[RoleAdmin]) == 0 {
		return fmt.Errorf("reload: %w", ErrLastAdmin)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes != mark {
		return nil
	}
	changed := 0
	for _, r := range Roles {
		changed += diff(c.members[r], members[r])
	}
	if changed > 0 {
		c.members = members
		c.logger.Info().Int("changes", changed).Msg("role membership reloaded")
	}
	return nil
}

func diff(x, y map[common.Address]struct{}) int {
	n := 0
	for acct := range x {
		if _, ok := y[acct]; !ok {
			n++
		}
	}
	for acct := range y {
		if _, ok := x[acct]; !ok {
			n++
		}
	}
	return n
}

// HasRole reports whether account holds role.
func (c *Controller) HasRole(role Role, account common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[role][account]
	return ok
}

// Require returns ErrUnauthorized unless account holds role.
func (c *Controller) Require(role Role, account common.Address) error {
	if !c.HasRole(role, account) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, account.Hex(), role)
	}
	return nil
}

// Members returns the holders of role sorted by address.
func (c *Controller) Members(role Role) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.members[role]))
	for acct := range c.members[role] {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Grant adds account to role. The caller must be an admin.
func (c *Controller) Grant(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := c.Require(RoleAdmin, caller); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return ErrZeroPrincipal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if _, exists := set[account]; exists {
		return nil
	}
	if c.store != nil {
		if err := c.store.SaveRoleMember(ctx, role, account); err != nil {
			return fmt.Errorf("persist role grant: %w", err)
		}
	}
	set[account] = struct{}{}
	c.writes++

	c.logger.Info().Str("role", string(role)).Str("account", account.Hex()).Str("caller", caller.Hex()).Msg("role granted")
	return nil
}

// Revoke removes account from role. The caller must be an admin.
func (c *Controller) Revoke(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if err := c.Require(RoleAdmin, caller); err != nil {
		return err
	}
	return c.remove(ctx, role, account, caller)
}

// Renounce lets account drop its own role.
func (c *Controller) Renounce(ctx context.Context, role Role, account common.Address) error {
	if !c.HasRole(role, account) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, account.Hex(), role)
	}
	return c.remove(ctx, role, account, account)
}

func (c *Controller) remove(ctx context.Context, role Role, account, caller common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if _, exists := set[account]; !exists {
		return nil
	}
	if role == RoleAdmin && len(set) == 1 {
		return ErrLastAdmin
	}
	if c.store != nil {
		if err := c.store.DeleteRoleMember(ctx, role, account); err != nil {
			return fmt.Errorf("persist role revoke: %w", err)
		}
	}
	delete(set, account)
	c.writes++

	c.logger.Info().Str("role", string(role)).Str("account", account.Hex()).Str("caller", caller.Hex()).Msg("role revoked")
	return nil
}
