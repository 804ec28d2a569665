package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cellarsync/cluster"
	"cellarsync/configstore"
	"cellarsync/policy"
)

var syncCmd = &cobra.Command{
	Use:   "sync GROUP...",
	Short: "Sync the groups once, according to their sync policy",
	Args:  cobra.MinimumNArgs(1),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		for _, group := range args {
			if err := n.syncGroup(ctx, group); err != nil {
				return err
			}
		}
		return nil
	}),
}

var pushCmd = &cobra.Command{
	Use:   "push CATEGORY GROUP",
	Short: "Push the local state of a category to a group, ignoring the sync policy",
	Args:  cobra.ExactArgs(2),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		e, err := n.engine(args[0])
		if err != nil {
			return err
		}
		return e.Push(ctx, args[1])
	}),
}

var pullCmd = &cobra.Command{
	Use:   "pull CATEGORY GROUP",
	Short: "Pull the cluster state of a category from a group, ignoring the sync policy",
	Args:  cobra.ExactArgs(2),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		e, err := n.engine(args[0])
		if err != nil {
			return err
		}
		return e.Pull(ctx, args[1])
	}),
}

var groupsLocal bool

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the cluster groups and their members",
	Args:  cobra.NoArgs,
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		var (
			groups []cluster.Group
			err    error
		)
		if groupsLocal {
			groups, err = n.registry.ListLocalGroups(ctx)
		} else {
			groups, err = n.registry.ListGroups(ctx)
		}
		if err != nil {
			return err
		}
		return printGroups(groups, n.registry.LocalNode())
	}),
}

func printGroups(groups []cluster.Group, local cluster.Node) error {
	for _, g := range groups {
		marker := " "
		if g.IsLocal(local) {
			marker = "*"
		}
		ids := make([]string, 0, len(g.Nodes))
		for _, n := range g.Nodes {
			ids = append(ids, n.ID)
		}
		if _, err := fmt.Fprintf(os.Stdout, "%s %s\t%s\n", marker, g.Name, strings.Join(ids, ",")); err != nil {
			return err
		}
	}
	return nil
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Read or change sync policies",
}

var policyGetCmd = &cobra.Command{
	Use:   "get CATEGORY GROUP",
	Short: "Print the sync policy of a category in a group",
	Args:  cobra.ExactArgs(2),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		e, err := n.engine(args[0])
		if err != nil {
			return err
		}
		fmt.Println(e.SyncPolicy(ctx, args[1]))
		return nil
	}),
}

var policySetCmd = &cobra.Command{
	Use:   "set CATEGORY GROUP POLICY",
	Short: "Store the sync policy of a category in a group for the whole cluster",
	Args:  cobra.ExactArgs(3),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		category, group, value := args[0], args[1], args[2]
		if err := cluster.ValidateGroupName(group); err != nil {
			return err
		}
		p := policy.Parse(value)
		if string(p) != strings.ToLower(strings.TrimSpace(value)) {
			return fmt.Errorf("invalid policy %q, expected disabled, node or cluster", value)
		}
		return n.configs.Update(ctx, configstore.GroupsPID, map[string]string{
			policy.PropertyKey(group, category): string(p),
		})
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status GROUP",
	Short: "Print the sync policy of every category in a group",
	Args:  cobra.ExactArgs(1),
	RunE: withNode(func(ctx context.Context, n *node, args []string) error {
		group := args[0]
		type categoryStatus struct {
			Category string        `json:"category"`
			Policy   policy.Policy `json:"policy"`
		}
		var result []categoryStatus
		for _, e := range n.engines {
			result = append(result, categoryStatus{Category: e.Category(), Policy: e.SyncPolicy(ctx, group)})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}),
}

func init() {
	groupsCmd.Flags().BoolVar(&groupsLocal, "local", false, "Only list the groups this node belongs to")

	policyCmd.AddCommand(policyGetCmd, policySetCmd)
	rootCmd.AddCommand(syncCmd, pushCmd, pullCmd, groupsCmd, policyCmd, statusCmd)
}

// withNode builds a node without the wakeup transport for one-shot
// commands.
func withNode(run func(ctx context.Context, n *node, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		conf, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()
		n, err := newNode(ctx, conf, log, false)
		if err != nil {
			return err
		}
		defer n.close(context.Background())

		if err := run(ctx, n, args); err != nil {
			log.Debug("command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}
