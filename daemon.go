package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func daemon(ctx context.Context, n *node) error {
	for _, group := range n.conf.Groups {
		if err := n.registry.Join(ctx, group); err != nil {
			return fmt.Errorf("failed to join group %s: %w", group, err)
		}
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.registry.LeaveAll(leaveCtx); err != nil {
			n.log.Warn("failed to leave groups", zap.Error(err))
		}
	}()

	if n.wakeup != nil {
		if err := n.wakeup.StartListener(ctx); err != nil {
			return err
		}
	}

	// Bootstrap pass over the local groups.
	for _, e := range n.engines {
		if err := e.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize %s synchronizer: %w", e.Category(), err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reconcilerLoop(ctx, n)
	})

	g.Go(func() error {
		return runHealthCheckServer(ctx, n)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reconcilerLoop periodically syncs every local group, so that nodes
// missing a wakeup still converge.
func reconcilerLoop(ctx context.Context, n *node) error {
	ticker := time.NewTicker(n.conf.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("returning ctx.Done() error in reconciler loop: %w", ctx.Err())
		case <-ticker.C:
			if err := n.syncLocalGroups(ctx); err != nil {
				n.log.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}
