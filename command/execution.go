package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"cellarsync/metrics"
)

var (
	ErrTimeout       = errors.New("command timed out")
	ErrNoDestination = errors.New("command has no destination")
)

// Producer sends a command to its destination nodes.
type Producer interface {
	Produce(ctx context.Context, cmd *Command) error
}

type ProducerFunc func(ctx context.Context, cmd *Command) error

func (f ProducerFunc) Produce(ctx context.Context, cmd *Command) error { return f(ctx, cmd) }

// ExecutionContext dispatches commands and waits for the results of
// every destination node.
type ExecutionContext struct {
	store    Store
	producer Producer
	log      *zap.Logger
}

func NewExecutionContext(store Store, producer Producer, log *zap.Logger) *ExecutionContext {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecutionContext{
		store:    store,
		producer: producer,
		log:      log.Named("command"),
	}
}

// Execute registers the command as pending, produces it and collects
// results until every destination answered, the command timeout
// expires or ctx is done. The results gathered so far are returned
// along with ErrTimeout or the context error. The pending entry is
// always removed.
func (e *ExecutionContext) Execute(ctx context.Context, cmd *Command) (map[string]Result, error) {
	if len(cmd.Destination) == 0 {
		return nil, ErrNoDestination
	}

	cmd.results = make(chan Result, len(cmd.Destination))
	pending := e.store.Pending()
	pending.Put(cmd)
	metrics.PendingCommands.Inc()
	defer func() {
		pending.RemoveIf(cmd)
		metrics.PendingCommands.Dec()
	}()

	if err := e.producer.Produce(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to produce command %s: %w", cmd.ID, err)
	}

	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()

	results := map[string]Result{}
	for len(results) < len(cmd.Destination) {
		select {
		case r := <-cmd.results:
			if !slices.Contains(cmd.Destination, r.Node) {
				continue
			}
			results[r.Node] = r
		case <-timer.C:
			e.log.Warn("command timed out",
				zap.String("id", cmd.ID),
				zap.String("type", cmd.Type),
				zap.Int("results", len(results)),
				zap.Int("expected", len(cmd.Destination)),
			)
			return results, ErrTimeout
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

// Complete delivers a result to the pending command. It reports false
// if the command is not pending anymore or the sender is not one of
// its destinations.
func (e *ExecutionContext) Complete(r Result) bool {
	cmd, ok := e.store.Pending().Get(r.ID)
	if !ok || cmd.results == nil {
		e.log.Debug("dropping result of unknown command", zap.String("id", r.ID), zap.String("node", r.Node))
		return false
	}
	if !slices.Contains(cmd.Destination, r.Node) {
		e.log.Debug("dropping result from a node that is not a destination", zap.String("id", r.ID), zap.String("node", r.Node))
		return false
	}

	select {
	case cmd.results <- r:
		return true
	default:
		e.log.Warn("dropping extra result", zap.String("id", r.ID), zap.String("node", r.Node))
		return false
	}
}
