package directory

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process directory for development and tests.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]User
	members map[string]map[string]membership // group -> user -> membership
}

type membership struct {
	status MemberStatus
	role   Role
}

// NewMemory constructs an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]User),
		members: make(map[string]map[string]membership),
	}
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutMember adds or replaces a group membership.
func (m *Memory) PutMember(groupID, userID string, role Role, status MemberStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.members[groupID]
	if g == nil {
		g = make(map[string]membership)
		m.members[groupID] = g
	}
	g[userID] = membership{status: status, role: role}
}

func (m *Memory) GetUser(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[clean(userID)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UserExists(ctx context.Context, userID string) (bool, error) {
	_, err := m.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) IsApprovedMember(ctx context.Context, groupID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.members[clean(groupID)][clean(userID)]
	return ok && ms.status == MemberApproved, nil
}

// GroupLeader returns the approved leader of groupID, or "" when the group is
// unknown or has none.
func (m *Memory) GroupLeader(ctx context.Context, groupID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for uid, ms := range m.members[clean(groupID)] {
		if ms.role == RoleLeader && ms.status == MemberApproved {
			return uid, nil
		}
	}
	return "", nil
}
