package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cellarsync/cluster"
	"cellarsync/collection"
	"cellarsync/command"
	"cellarsync/configstore"
	"cellarsync/filter"
	"cellarsync/resources"
	"cellarsync/syncer"
)

// syncCommand asks the receiving node to sync a group.
const syncCommand = "sync"

type syncPayload struct {
	Group string `json:"group"`
}

// remoteSyncKey marks syncs requested by another node. They do not
// notify back, so two nodes never keep waking each other up.
type remoteSyncKey struct{}

// node wires the sync core of one cluster node.
type node struct {
	conf    config
	log     *zap.Logger
	backend collection.Backend
	configs configstore.Store

	registry     *cluster.Registry
	repositories *resources.RepositoryList
	properties   *resources.Properties
	engines      []*syncer.Engine

	commands *command.BasicStore
	exec     *command.ExecutionContext
	wakeup   *WakeupManager
}

// newNode connects to the backend and builds one synchronizer per
// resource category. withWakeup enables the UDP command transport,
// only the daemon listens for it.
func newNode(ctx context.Context, conf config, log *zap.Logger, withWakeup bool) (*node, error) {
	backend, err := openBackend(ctx, conf.Backend, log)
	if err != nil {
		return nil, err
	}

	n, err := buildNode(conf, log, backend, withWakeup)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}
	return n, nil
}

func buildNode(conf config, log *zap.Logger, backend collection.Backend, withWakeup bool) (*node, error) {
	local := cluster.Node{ID: conf.Node.ID, Host: conf.Node.Host}

	registry, err := cluster.NewRegistry(backend, local, log)
	if err != nil {
		return nil, err
	}

	configs, err := newConfigStore(backend, conf)
	if err != nil {
		return nil, err
	}

	repositories, err := resources.OpenRepositoryList(conf.Resources.Repositories)
	if err != nil {
		return nil, err
	}
	properties, err := resources.OpenProperties(resources.PropertiesCategory, conf.Resources.Properties)
	if err != nil {
		return nil, err
	}

	n := &node{
		conf:         conf,
		log:          log,
		backend:      backend,
		configs:      configs,
		registry:     registry,
		repositories: repositories,
		properties:   properties,
		commands:     command.NewBasicStore(),
	}

	var opts []syncer.Option
	if conf.Sync.Arbiter == "lowest-node-id" {
		opts = append(opts, syncer.WithArbiter(syncer.LowestNodeID))
	}
	if withWakeup {
		n.wakeup = NewWakeupManager(conf.Wakeup.Port, conf.Cluster, local, log)
		n.exec = command.NewExecutionContext(n.commands, n.wakeup, log)
		n.wakeup.Handle(n.handleCommand, n.exec.Complete)
		opts = append(opts, syncer.WithNotifier(n))
	}

	deps := syncer.Deps{
		Manager: registry,
		Groups:  registry,
		Backend: backend,
		Config:  configs,
		Filter:  filter.NewConfigFilter(configs, log),
		Log:     log,
	}
	for _, system := range []resources.System{repositories, properties} {
		e, err := syncer.New(system, deps, opts...)
		if err != nil {
			return nil, err
		}
		n.engines = append(n.engines, e)
	}
	return n, nil
}

func (n *node) close(ctx context.Context) {
	for _, e := range n.engines {
		e.Destroy()
	}
	if err := n.backend.Close(ctx); err != nil {
		n.log.Warn("failed to close backend", zap.Error(err))
	}
}

func (n *node) engine(category string) (*syncer.Engine, error) {
	for _, e := range n.engines {
		if e.Category() == category {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no synchronizer for category %q", category)
}

// syncGroup runs every synchronizer on the group. Failures of one
// category do not prevent the others.
func (n *node) syncGroup(ctx context.Context, group string) error {
	var errs []error
	for _, e := range n.engines {
		if err := e.Sync(ctx, group); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Category(), err))
		}
	}
	return errors.Join(errs...)
}

// syncLocalGroups syncs every group the node belongs to.
func (n *node) syncLocalGroups(ctx context.Context) error {
	groups, err := n.registry.ListLocalGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local groups: %w", err)
	}
	for _, g := range groups {
		if err := n.syncGroup(ctx, g.Name); err != nil {
			n.log.Error("failed to sync group", zap.String("group", g.Name), zap.Error(err))
		}
	}
	return nil
}

// Notify asks the other members of the group to sync it now. It does
// not wait for their answers.
func (n *node) Notify(ctx context.Context, group string) {
	if n.exec == nil || ctx.Value(remoteSyncKey{}) != nil {
		return
	}

	members, err := n.registry.NodesByGroup(ctx, group)
	if err != nil {
		n.log.Warn("failed to list peers to notify", zap.String("group", group), zap.Error(err))
		return
	}

	var peers []string
	for _, m := range members {
		if m.ID == n.registry.LocalNode().ID {
			continue
		}
		n.wakeup.Learn(m)
		peers = append(peers, m.ID)
	}
	if len(peers) == 0 {
		return
	}

	payload, err := json.Marshal(syncPayload{Group: group})
	if err != nil {
		n.log.Error("failed to marshal sync command", zap.Error(err))
		return
	}
	cmd := command.New(syncCommand, n.registry.LocalNode().ID, payload, n.conf.Wakeup.Timeout)
	cmd.Destination = peers

	go func() {
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmd.Timeout)
		defer cancel()

		results, err := n.exec.Execute(execCtx, cmd)
		for peer, r := range results {
			if r.Error != "" {
				n.log.Warn("peer failed to sync", zap.String("node", peer), zap.String("group", group), zap.String("error", r.Error))
			}
		}
		if err != nil {
			n.log.Warn("sync command incomplete", zap.String("group", group), zap.Int("results", len(results)), zap.Error(err))
		}
	}()
}

// handleCommand executes commands received from other nodes.
func (n *node) handleCommand(ctx context.Context, cmd *command.Command) command.Result {
	switch cmd.Type {
	case syncCommand:
		var p syncPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return command.Result{Error: fmt.Sprintf("invalid payload: %v", err)}
		}

		syncCtx, cancel := context.WithTimeout(context.WithValue(ctx, remoteSyncKey{}, true), max(cmd.Timeout, time.Second))
		defer cancel()

		if err := n.syncGroup(syncCtx, p.Group); err != nil {
			return command.Result{Error: err.Error()}
		}
		return command.Result{}
	default:
		return command.Result{Error: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
}
