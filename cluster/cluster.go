// Package cluster holds the identity primitives shared by every node:
// nodes, groups and the membership registry that tells a node which
// groups it belongs to and who else is in them.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"cellarsync/collection"
)

var (
	ErrInvalidGroupName = errors.New("invalid group name")
	ErrInvalidNodeID    = errors.New("invalid node id")
)

// Node is a member of the cluster. It is immutable once created.
type Node struct {
	ID string `json:"id"`

	// Host is the address other nodes use to reach this one, if known.
	Host string `json:"host,omitempty"`
}

func (n Node) String() string { return n.ID }

// Group is a named set of nodes sharing synchronized state.
type Group struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// NewGroup builds a group, dropping duplicate nodes. Membership is a
// pure set keyed by node ID.
func NewGroup(name string, nodes ...Node) Group {
	g := Group{Name: name}
	for _, n := range nodes {
		if !g.Contains(n) {
			g.Nodes = append(g.Nodes, n)
		}
	}
	slices.SortFunc(g.Nodes, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return g
}

func (g Group) Contains(node Node) bool {
	return slices.ContainsFunc(g.Nodes, func(n Node) bool { return n.ID == node.ID })
}

// IsLocal reports whether the local node is a member of the group.
func (g Group) IsLocal(local Node) bool {
	return g.Contains(local)
}

// LocalGroups keeps only the groups the local node belongs to.
func LocalGroups(groups []Group, local Node) []Group {
	var result []Group
	for _, g := range groups {
		if g.IsLocal(local) {
			result = append(result, g)
		}
	}
	return result
}

// ValidateGroupName checks that a group name can be used as a
// collection key segment.
func ValidateGroupName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidGroupName)
	}
	if strings.Contains(name, collection.Separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidGroupName, name, collection.Separator)
	}
	return nil
}

// Manager gives access to the local node identity and to the current
// membership snapshot of a group.
type Manager interface {
	LocalNode() Node
	NodesByGroup(ctx context.Context, group string) ([]Node, error)
}

// GroupManager lists the groups the local node currently belongs to.
type GroupManager interface {
	ListLocalGroups(ctx context.Context) ([]Group, error)
}
