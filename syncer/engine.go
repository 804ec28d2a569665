// Package syncer reconciles a local resource system with the
// distributed collection of every cluster group the node belongs to.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cellarsync/cluster"
	"cellarsync/collection"
	"cellarsync/configstore"
	"cellarsync/filter"
	"cellarsync/metrics"
	"cellarsync/policy"
	"cellarsync/resources"
)

var (
	ErrInvalidState = errors.New("synchronizer is not in the expected state")
	ErrDestroyed    = errors.New("synchronizer is destroyed")
	ErrReserved     = errors.New("category is reserved")
)

// Synchronizer is implemented once per resource category.
type Synchronizer interface {
	Category() string
	Init(ctx context.Context) error
	Destroy()
	Sync(ctx context.Context, group string) error
	Push(ctx context.Context, group string) error
	Pull(ctx context.Context, group string) error
	SyncPolicy(ctx context.Context, group string) policy.Policy
}

// Notifier is told when a push changed the state of a group, so that
// the other members can pull it early.
type Notifier interface {
	Notify(ctx context.Context, group string)
}

type state int32

const (
	uninitialized state = iota
	initialized
	destroyed
)

// Deps are the collaborators shared by every Engine of a node.
type Deps struct {
	Manager cluster.Manager
	Groups  cluster.GroupManager
	Backend collection.Backend
	Config  configstore.Store

	// Filter defaults to filter.AllowAll.
	Filter filter.Filter
	Log    *zap.Logger
}

type Option func(*Engine)

// WithArbiter makes a node of a multi-member group push instead of
// pull when the arbiter elects it. Without an arbiter, two nodes that
// both observe themselves as the sole member of a group will both
// push, and the cluster state becomes the union of their states.
func WithArbiter(a Arbiter) Option {
	return func(e *Engine) { e.arbiter = a }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine is the Synchronizer of one resources.System.
type Engine struct {
	system   resources.System
	manager  cluster.Manager
	groups   cluster.GroupManager
	backend  collection.Backend
	resolver *policy.Resolver
	filter   filter.Filter
	arbiter  Arbiter
	notifier Notifier
	log      *zap.Logger

	state atomic.Int32
}

var _ Synchronizer = (*Engine)(nil)

func New(system resources.System, deps Deps, opts ...Option) (*Engine, error) {
	if system == nil {
		return nil, fmt.Errorf("resource system is required")
	}
	if collection.IsReserved(system.Category()) {
		return nil, fmt.Errorf("%w: %q", ErrReserved, system.Category())
	}
	if deps.Manager == nil || deps.Groups == nil || deps.Backend == nil || deps.Config == nil {
		return nil, fmt.Errorf("cluster manager, group manager, backend and configuration store are required")
	}

	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("syncer").With(zap.String("category", system.Category()))

	f := deps.Filter
	if f == nil {
		f = filter.AllowAll
	}

	e := &Engine{
		system:   system,
		manager:  deps.Manager,
		groups:   deps.Groups,
		backend:  deps.Backend,
		resolver: policy.NewResolver(deps.Config, system.Category(), deps.Log),
		filter:   f,
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Category() string { return e.system.Category() }

// Init runs the bootstrap pass over every local group. It succeeds
// only once; a failure to list the local groups leaves the engine
// uninitialized so Init can be retried.
func (e *Engine) Init(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(uninitialized), int32(initialized)) {
		return ErrInvalidState
	}

	groups, err := e.groups.ListLocalGroups(ctx)
	if err != nil {
		e.state.CompareAndSwap(int32(initialized), int32(uninitialized))
		return fmt.Errorf("failed to list local groups: %w", err)
	}
	for _, g := range groups {
		if err := e.Sync(ctx, g.Name); err != nil {
			e.log.Error("initial sync failed", zap.String("group", g.Name), zap.Error(err))
		}
	}
	return nil
}

// Destroy is idempotent.
func (e *Engine) Destroy() {
	if state(e.state.Swap(int32(destroyed))) != destroyed {
		e.log.Debug("synchronizer destroyed")
	}
}

func (e *Engine) checkUsable(group string) error {
	if state(e.state.Load()) == destroyed {
		return ErrDestroyed
	}
	return cluster.ValidateGroupName(group)
}

// SyncPolicy is resolved on every call.
func (e *Engine) SyncPolicy(ctx context.Context, group string) policy.Policy {
	return e.resolver.Policy(ctx, group)
}

// Sync reconciles the group according to its sync policy.
func (e *Engine) Sync(ctx context.Context, group string) error {
	if err := e.checkUsable(group); err != nil {
		return err
	}

	p := e.SyncPolicy(ctx, group)

	var members []cluster.Node
	if p == policy.Cluster {
		var err error
		members, err = e.manager.NodesByGroup(ctx, group)
		if err != nil {
			return fmt.Errorf("failed to list nodes of group %s: %w", group, err)
		}
	}

	result := decide(p, e.manager.LocalNode(), members, e.arbiter)
	metrics.SyncDecisions.WithLabelValues(e.Category(), result.action.String()).Inc()
	e.log.Debug("sync decision",
		zap.String("group", group),
		zap.String("policy", string(p)),
		zap.Int("members", len(members)),
		zap.Stringer("action", result.action),
		zap.String("comment", result.comment),
	)

	switch result.action {
	case ActionPush:
		return e.Push(ctx, group)
	case ActionPull:
		return e.Pull(ctx, group)
	default:
		return nil
	}
}

// passStats counts the outcome of one push or pull pass.
type passStats struct {
	synced   int
	changed  int
	skipped  int
	filtered int
	failed   int
}

func (s passStats) record(category string, dir filter.Direction, start time.Time) {
	d := dir.String()
	metrics.SyncedItems.WithLabelValues(category, d).Add(float64(s.synced))
	metrics.FilteredItems.WithLabelValues(category, d).Add(float64(s.filtered))
	metrics.ItemErrors.WithLabelValues(category, d).Add(float64(s.failed))
	metrics.PassDuration.WithLabelValues(category, d).Observe(time.Since(start).Seconds())
}

// Pull applies every allowed cluster entry that is not yet reflected
// locally. A failing entry is logged and skipped.
func (e *Engine) Pull(ctx context.Context, group string) error {
	if err := e.checkUsable(group); err != nil {
		return err
	}
	start := time.Now()

	entries, err := e.readCollection(ctx, group)
	if err != nil {
		return fmt.Errorf("failed to read cluster state of group %s: %w", group, err)
	}

	var stats passStats
	for _, r := range entries {
		log := e.log.With(zap.String("group", group), zap.String("id", r.ID))

		if !e.filter.Allowed(ctx, group, e.Category(), r.ID, filter.Inbound) {
			log.Debug("resource is blocked inbound")
			stats.filtered++
			continue
		}

		present, err := e.system.Has(ctx, r)
		if err != nil {
			log.Error("failed to check local resource", zap.Error(err))
			stats.failed++
			continue
		}
		if present {
			stats.skipped++
			continue
		}

		if err := e.system.Apply(ctx, r); err != nil {
			log.Error("failed to apply resource", zap.Error(err))
			stats.failed++
			continue
		}
		log.Debug("applied resource")
		stats.synced++
	}

	stats.record(e.Category(), filter.Inbound, start)
	e.log.Info("pulled cluster state",
		zap.String("group", group),
		zap.Int("applied", stats.synced),
		zap.Int("skipped", stats.skipped),
		zap.Int("filtered", stats.filtered),
		zap.Int("failed", stats.failed),
	)
	return nil
}

func (e *Engine) readCollection(ctx context.Context, group string) ([]resources.Resource, error) {
	key := collection.Key(e.Category(), group)

	switch e.system.Kind() {
	case resources.MapKind:
		entries, err := e.backend.Map(key).Entries(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		result := make([]resources.Resource, 0, len(ids))
		for _, id := range ids {
			result = append(result, resources.Resource{ID: id, Value: entries[id]})
		}
		return result, nil
	default:
		members, err := e.backend.Set(key).Members(ctx)
		if err != nil {
			return nil, err
		}
		result := make([]resources.Resource, 0, len(members))
		for _, m := range members {
			result = append(result, resources.Resource{ID: m})
		}
		return result, nil
	}
}

// Push merges every allowed local resource into the cluster state. It
// never removes cluster entries.
func (e *Engine) Push(ctx context.Context, group string) error {
	if err := e.checkUsable(group); err != nil {
		return err
	}
	start := time.Now()

	local, err := e.system.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local resources: %w", err)
	}

	var stats passStats
	for _, r := range local {
		log := e.log.With(zap.String("group", group), zap.String("id", r.ID))

		if !e.filter.Allowed(ctx, group, e.Category(), r.ID, filter.Outbound) {
			log.Debug("resource is blocked outbound")
			stats.filtered++
			continue
		}

		changed, err := e.publish(ctx, group, r)
		if err != nil {
			log.Error("failed to push resource", zap.Error(err))
			stats.failed++
			continue
		}
		stats.synced++
		if changed {
			stats.changed++
		}
	}

	stats.record(e.Category(), filter.Outbound, start)
	e.log.Info("pushed local state",
		zap.String("group", group),
		zap.Int("pushed", stats.synced),
		zap.Int("changed", stats.changed),
		zap.Int("filtered", stats.filtered),
		zap.Int("failed", stats.failed),
	)

	if stats.changed > 0 && e.notifier != nil {
		e.notifier.Notify(ctx, group)
	}
	return nil
}

// publish writes one resource and its linked members. It reports
// whether the cluster state changed.
func (e *Engine) publish(ctx context.Context, group string, r resources.Resource) (bool, error) {
	key := collection.Key(e.Category(), group)

	var changed bool
	switch e.system.Kind() {
	case resources.MapKind:
		m := e.backend.Map(key)
		current, ok, err := m.Get(ctx, r.ID)
		if err != nil {
			return false, fmt.Errorf("failed to get %s: %w", r.ID, err)
		}
		if !ok || current != r.Value {
			if err := m.Put(ctx, r.ID, r.Value); err != nil {
				return false, fmt.Errorf("failed to put %s: %w", r.ID, err)
			}
			changed = true
		}
	default:
		added, err := addMissing(ctx, e.backend.Set(key), r.ID)
		if err != nil {
			return false, fmt.Errorf("failed to add %s: %w", r.ID, err)
		}
		changed = added
	}

	linker, ok := e.system.(resources.Linker)
	if !ok {
		return changed, nil
	}
	category, members, err := linker.Linked(ctx, r)
	if err != nil {
		return changed, fmt.Errorf("failed to get linked resources of %s: %w", r.ID, err)
	}
	linked := e.backend.Set(collection.Key(category, group))
	for _, m := range members {
		added, err := addMissing(ctx, linked, m)
		if err != nil {
			return changed, fmt.Errorf("failed to add linked resource to %s: %w", category, err)
		}
		changed = changed || added
	}
	return changed, nil
}

func addMissing(ctx context.Context, set collection.Set, member string) (bool, error) {
	present, err := set.Contains(ctx, member)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	if err := set.Add(ctx, member); err != nil {
		return false, err
	}
	return true, nil
}
