package syncer

import (
	"slices"
	"strings"

	"cellarsync/cluster"
	"cellarsync/policy"
)

// Action is what a sync pass ends up doing for a group.
type Action int

const (
	ActionNone Action = iota
	ActionPush
	ActionPull
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionPull:
		return "pull"
	default:
		return "none"
	}
}

// Arbiter breaks the tie between nodes of a group that is not
// bootstrapped by a sole member. Returning true makes the local node
// push its state instead of pulling the cluster state.
type Arbiter func(local cluster.Node, members []cluster.Node) bool

// LowestNodeID lets the member with the smallest node ID push.
func LowestNodeID(local cluster.Node, members []cluster.Node) bool {
	if len(members) == 0 {
		return false
	}
	lowest := slices.MinFunc(members, func(a, b cluster.Node) int {
		return strings.Compare(a.ID, b.ID)
	})
	return lowest.ID == local.ID
}

type decision struct {
	action  Action
	comment string
}

// decide is the pure decision step of a sync pass.
func decide(p policy.Policy, local cluster.Node, members []cluster.Node, arbiter Arbiter) decision {
	switch p {
	case policy.Node:
		return decision{action: ActionPush, comment: "policy is node, pushing local state"}
	case policy.Cluster:
		if isSoleMember(local, members) {
			return decision{action: ActionPush, comment: "node is the first and only member of the group, pushing state"}
		}
		if arbiter != nil && arbiter(local, members) {
			return decision{action: ActionPush, comment: "arbiter elected this node, pushing state"}
		}
		return decision{action: ActionPull, comment: "pulling cluster state"}
	default:
		return decision{action: ActionNone, comment: "sync is disabled"}
	}
}

func isSoleMember(local cluster.Node, members []cluster.Node) bool {
	return len(members) == 1 && members[0].ID == local.ID
}
