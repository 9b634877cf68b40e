package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tenancy/pkg/scoped"
)

type memberKey struct {
	tenantID int64
	userID   int64
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu sync.RWMutex

	users      map[int64]*User
	tokens     map[string]int64
	perms      map[Permission]string
	userPerms  map[int64]PermissionSet
	groups     map[int64]*Group
	userGroups map[int64]map[int64]struct{}
	// tenant group id -> user ids
	tenantGroupUsers map[int64]map[int64]struct{}
	members          map[memberKey]*Membership
	tenantGroups     *scoped.MemoryStore[*TenantGroup]

	nextID int64
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:            make(map[int64]*User),
		tokens:           make(map[string]int64),
		perms:            make(map[Permission]string),
		userPerms:        make(map[int64]PermissionSet),
		groups:           make(map[int64]*Group),
		userGroups:       make(map[int64]map[int64]struct{}),
		tenantGroupUsers: make(map[int64]map[int64]struct{}),
		members:          make(map[memberKey]*Membership),
		tenantGroups:     scoped.NewMemoryStore[*TenantGroup](),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateUser stores u and assigns its id
func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %q already exists", u.Username)
		}
	}
	u.ID = s.id()
	u.CreatedAt = time.Now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// GetUser returns the user with id
func (s *MemoryStore) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByTokenHash returns the owner of the token
func (s *MemoryStore) GetUserByTokenHash(ctx context.Context, hash string) (*User, error) {
	s.mu.RLock()
	id, ok := s.tokens[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// CreateToken records a token hash for userID
func (s *MemoryStore) CreateToken(_ context.Context, userID int64, hash, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	s.tokens[hash] = userID
	return nil
}

// UserPermissions returns direct grants
func (s *MemoryStore) UserPermissions(_ context.Context, userID int64) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userPerms[userID].Sorted(), nil
}

// GroupPermissions returns permissions from global groups and from active
// tenant groups of tenantID
func (s *MemoryStore) GroupPermissions(_ context.Context, userID, tenantID int64) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := PermissionSet{}
	for gid := range s.userGroups[userID] {
		if g, ok := s.groups[gid]; ok {
			out.Add(g.Permissions...)
		}
	}
	if tenantID != 0 {
		if m, ok := s.members[memberKey{tenantID, userID}]; ok && m.IsActive {
			for _, gid := range s.tenantGroupIDsLocked(userID, tenantID) {
				if g, ok := s.groups[gid]; ok {
					out.Add(g.Permissions...)
				}
			}
		}
	}
	return out.Sorted(), nil
}

// tenantGroupIDsLocked returns backing group ids of the tenant groups of
// tenantID that userID belongs to
func (s *MemoryStore) tenantGroupIDsLocked(userID, tenantID int64) []int64 {
	groups, _ := s.tenantGroups.List(context.Background(), scoped.Filter{TenantID: tenantID})
	var ids []int64
	for _, tg := range groups {
		if _, ok := s.tenantGroupUsers[tg.ID][userID]; ok {
			ids = append(ids, tg.GroupID)
		}
	}
	return ids
}

// AllPermissions returns every registered permission
func (s *MemoryStore) AllPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := PermissionSet{}
	for p := range s.perms {
		out.Add(p)
	}
	return out.Sorted(), nil
}

// IsSuperAdmin reports direct membership of a group backing a tenant group
func (s *MemoryStore) IsSuperAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backing, _ := s.tenantGroups.List(context.Background(), scoped.Filter{})
	for _, tg := range backing {
		if _, ok := s.userGroups[userID][tg.GroupID]; ok {
			return true, nil
		}
	}
	return false, nil
}

// UsersWithPermission returns matching user ids in ascending order
func (s *MemoryStore) UsersWithPermission(_ context.Context, perm Permission, tenantID int64, opts UsersWithPermissionOptions) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, u := range s.users {
		if !s.holdsLocked(u, perm, tenantID, opts) {
			continue
		}
		if opts.IsActive != nil {
			m, ok := s.members[memberKey{tenantID, id}]
			if u.IsActive != *opts.IsActive || !ok || m.IsActive != *opts.IsActive {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) holdsLocked(u *User, perm Permission, tenantID int64, opts UsersWithPermissionOptions) bool {
	if opts.IncludeSuperusers && u.IsSuperuser {
		return true
	}
	if s.userPerms[u.ID].Has(perm) {
		return true
	}
	for _, gid := range s.tenantGroupIDsLocked(u.ID, tenantID) {
		if g, ok := s.groups[gid]; ok && NewPermissionSet(g.Permissions...).Has(perm) {
			return true
		}
	}
	if opts.IncludeSuperAdmins {
		for gid := range s.userGroups[u.ID] {
			if g, ok := s.groups[gid]; ok && NewPermissionSet(g.Permissions...).Has(perm) {
				return true
			}
		}
	}
	return false
}

// CreatePermission registers perm
func (s *MemoryStore) CreatePermission(_ context.Context, perm Permission, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[perm] = name
	return nil
}

// GrantUserPermission grants perm to userID directly
func (s *MemoryStore) GrantUserPermission(_ context.Context, userID int64, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[perm]; !ok {
		return ErrNotFound
	}
	if s.userPerms[userID] == nil {
		s.userPerms[userID] = PermissionSet{}
	}
	s.userPerms[userID].Add(perm)
	return nil
}

// CreateGroup stores g and assigns its id
func (s *MemoryStore) CreateGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range g.Permissions {
		if _, ok := s.perms[p]; !ok {
			return fmt.Errorf("unknown permission %q: %w", p, ErrNotFound)
		}
	}
	g.ID = s.id()
	g.CreatedAt = time.Now()
	cp := *g
	cp.Permissions = append([]Permission(nil), g.Permissions...)
	s.groups[g.ID] = &cp
	return nil
}

// AddUserToGroup adds userID to a global group
func (s *MemoryStore) AddUserToGroup(_ context.Context, userID, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return ErrNotFound
	}
	if s.userGroups[userID] == nil {
		s.userGroups[userID] = make(map[int64]struct{})
	}
	s.userGroups[userID][groupID] = struct{}{}
	return nil
}

// AddUserToTenantGroup adds userID to a tenant group
func (s *MemoryStore) AddUserToTenantGroup(ctx context.Context, userID, tenantGroupID int64) error {
	if _, err := s.tenantGroups.Get(ctx, tenantGroupID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenantGroupUsers[tenantGroupID] == nil {
		s.tenantGroupUsers[tenantGroupID] = make(map[int64]struct{})
	}
	s.tenantGroupUsers[tenantGroupID][userID] = struct{}{}
	return nil
}

// TenantGroups returns the tenant group store
func (s *MemoryStore) TenantGroups() scoped.Store[*TenantGroup] {
	return s.tenantGroups
}

// GetMembership returns the membership of userID in tenantID
func (s *MemoryStore) GetMembership(_ context.Context, tenantID, userID int64) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{tenantID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// AddMembership creates m or fills it from the existing row
func (s *MemoryStore) AddMembership(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{m.TenantID, m.UserID}
	if existing, ok := s.members[key]; ok {
		*m = *existing
		return nil
	}
	m.ID = s.id()
	m.CreatedAt = time.Now()
	cp := *m
	s.members[key] = &cp
	return nil
}

// UpdateMembership stores the flags of m
func (s *MemoryStore) UpdateMembership(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{m.TenantID, m.UserID}
	existing, ok := s.members[key]
	if !ok {
		return ErrNotFound
	}
	existing.IsActive = m.IsActive
	existing.IsStaff = m.IsStaff
	return nil
}
