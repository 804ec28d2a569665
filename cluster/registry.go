package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"cellarsync/collection"
)

const (
	// MembersCategory namespaces the membership maps, one per group.
	MembersCategory = collection.ReservedCategory + ".members"

	// GroupsKey is the set holding every known group name.
	GroupsKey = collection.ReservedCategory + ".groups"
)

// Registry keeps group membership in distributed collections so every
// node sees the same membership. It implements Manager and GroupManager.
type Registry struct {
	backend collection.Backend
	local   Node
	log     *zap.Logger

	mu     sync.Mutex
	joined []string
}

func NewRegistry(backend collection.Backend, local Node, log *zap.Logger) (*Registry, error) {
	if local.ID == "" {
		return nil, ErrInvalidNodeID
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		backend: backend,
		local:   local,
		log:     log.Named("registry"),
	}, nil
}

func (r *Registry) LocalNode() Node { return r.local }

func (r *Registry) members(group string) collection.Map {
	return r.backend.Map(collection.Key(MembersCategory, group))
}

// Join adds the local node to the group.
func (r *Registry) Join(ctx context.Context, group string) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}

	nodeBytes, err := json.Marshal(r.local)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	if err := r.backend.Set(GroupsKey).Add(ctx, group); err != nil {
		return fmt.Errorf("failed to register group %s: %w", group, err)
	}
	if err := r.members(group).Put(ctx, r.local.ID, string(nodeBytes)); err != nil {
		return fmt.Errorf("failed to join group %s: %w", group, err)
	}

	r.mu.Lock()
	if !slices.Contains(r.joined, group) {
		r.joined = append(r.joined, group)
	}
	r.mu.Unlock()

	r.log.Info("joined group", zap.String("group", group), zap.String("node", r.local.ID))
	return nil
}

// Leave removes the local node from the group. The group itself is
// kept.
func (r *Registry) Leave(ctx context.Context, group string) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}
	if err := r.members(group).Delete(ctx, r.local.ID); err != nil {
		return fmt.Errorf("failed to leave group %s: %w", group, err)
	}

	r.mu.Lock()
	r.joined = slices.DeleteFunc(r.joined, func(g string) bool { return g == group })
	r.mu.Unlock()

	r.log.Info("left group", zap.String("group", group), zap.String("node", r.local.ID))
	return nil
}

// LeaveAll removes the local node from every group it joined through
// this registry.
func (r *Registry) LeaveAll(ctx context.Context) error {
	r.mu.Lock()
	joined := slices.Clone(r.joined)
	r.mu.Unlock()

	var firstErr error
	for _, group := range joined {
		if err := r.Leave(ctx, group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) NodesByGroup(ctx context.Context, group string) ([]Node, error) {
	entries, err := r.members(group).Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of group %s: %w", group, err)
	}

	nodes := make([]Node, 0, len(entries))
	for id, value := range entries {
		var n Node
		if err := json.Unmarshal([]byte(value), &n); err != nil {
			r.log.Warn("ignoring malformed member entry", zap.String("group", group), zap.String("node", id), zap.Error(err))
			continue
		}
		if n.ID != id {
			r.log.Warn("ignoring member entry with mismatched id", zap.String("group", group), zap.String("expected", id), zap.String("got", n.ID))
			continue
		}
		nodes = append(nodes, n)
	}
	return NewGroup(group, nodes...).Nodes, nil
}

// ListGroups returns every known group with its current members.
func (r *Registry) ListGroups(ctx context.Context) ([]Group, error) {
	names, err := r.backend.Set(GroupsKey).Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	slices.Sort(names)

	groups := make([]Group, 0, len(names))
	for _, name := range names {
		nodes, err := r.NodesByGroup(ctx, name)
		if err != nil {
			return nil, err
		}
		groups = append(groups, NewGroup(name, nodes...))
	}
	return groups, nil
}

func (r *Registry) ListLocalGroups(ctx context.Context) ([]Group, error) {
	groups, err := r.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	return LocalGroups(groups, r.local), nil
}
