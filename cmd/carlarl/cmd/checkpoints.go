package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/carlarl/pkg/checkpoint"
)

// CheckpointsOptions holds flags for the checkpoints commands.
type CheckpointsOptions struct {
	Directory string
	Name      string
	Output    string
}

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand(root *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect the checkpoints of a run",
	}
	cmd.PersistentFlags().StringVarP(&opts.Directory, "directory", "d", "./ray_results/carla_rllib", "directory holding runs")
	cmd.PersistentFlags().StringVarP(&opts.Name, "name", "n", "dqn_example", "run name")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "table", "output format: table or json")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every checkpoint of a run, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointsList(cmd, opts)
		},
	}
	latest := &cobra.Command{
		Use:   "latest",
		Short: "Print the path a --restore would resume from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := checkpoint.Latest(checkpoint.RunIdentity{Name: opts.Name, Directory: opts.Directory})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Path)
			return nil
		},
	}

	cmd.AddCommand(list, latest)
	return cmd
}

func runCheckpointsList(cmd *cobra.Command, opts *CheckpointsOptions) error {
	id := checkpoint.RunIdentity{Name: opts.Name, Directory: opts.Directory}
	if err := id.Validate(); err != nil {
		return err
	}
	found, err := checkpoint.Scan(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch opts.Output {
	case "json":
		if found == nil {
			found = []checkpoint.Checkpoint{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	case "table":
	default:
		return fmt.Errorf("invalid output format %q: must be table or json", opts.Output)
	}

	if len(found) == 0 {
		fmt.Fprintf(out, "No checkpoints in %s\n", id.Path())
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Sequence", "Trial", "Path")
	for _, c := range found {
		trial := c.Trial
		if trial == "" {
			trial = "-"
		}
		table.Append([]string{strconv.Itoa(c.Sequence), trial, c.Path})
	}
	table.Render()

	fmt.Fprintf(out, "\nTotal: %d checkpoints\n", len(found))
	return nil
}
