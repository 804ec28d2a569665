// Package policy resolves the sync policy of a resource category for a
// cluster group.
package policy

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cellarsync/configstore"
)

// Policy controls whether and how a node reconciles a resource category
// with the rest of its group.
type Policy string

const (
	// Disabled never synchronizes.
	Disabled Policy = "disabled"

	// Node pushes the local state unconditionally.
	Node Policy = "node"

	// Cluster adopts the cluster state, unless the node is alone in
	// the group, in which case it bootstraps the cluster state.
	Cluster Policy = "cluster"
)

// SyncKey is the property suffix holding the policy.
const SyncKey = "sync"

// Parse maps a stored value onto a Policy. Unknown values are Disabled.
func Parse(value string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case Node:
		return Node
	case Cluster:
		return Cluster
	default:
		return Disabled
	}
}

// PropertyKey returns the configuration key of the policy for a group
// and category.
func PropertyKey(group string, category string) string {
	return group + "." + category + "." + SyncKey
}

// Resolver reads the policy of one resource category. It never caches:
// every call hits the configuration store.
type Resolver struct {
	store    configstore.Store
	category string
	log      *zap.Logger
}

func NewResolver(store configstore.Store, category string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		category: category,
		log:      log.Named("policy"),
	}
}

// Policy always returns a value. Configuration store failures are
// logged and resolve to Disabled.
func (r *Resolver) Policy(ctx context.Context, group string) Policy {
	props, err := r.store.Configuration(ctx, configstore.GroupsPID)
	if errors.Is(err, configstore.ErrNotFound) {
		return Disabled
	}
	if err != nil {
		r.log.Error("error while retrieving the sync policy",
			zap.String("group", group),
			zap.String("category", r.category),
			zap.Error(err),
		)
		return Disabled
	}

	value, ok := props[PropertyKey(group, r.category)]
	if !ok {
		return Disabled
	}
	return Parse(value)
}
