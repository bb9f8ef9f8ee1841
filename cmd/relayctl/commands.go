package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nadmax/relay/internal/client"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	server string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and steer a relay server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("RELAY_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "relay server base URL")

	cmd.AddCommand(
		newReportCmd(opts),
		newStrategyCmd(opts),
		newStatsCmd(opts),
		newHealthCmd(opts),
		newSwitchesCmd(opts),
		newRecoverCmd(opts),
		newResetCmd(opts),
		newPreferCmd(opts),
	)

	return cmd
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, nil)
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the reliability report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				return c.Report(ctx, refresh)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cached report")

	return cmd
}

func newStrategyCmd(opts *rootOptions) *cobra.Command {
	var optimal, refresh bool

	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Show the active strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				if optimal {
					return c.OptimalStrategy(ctx, refresh)
				}
				return c.ActiveStrategy(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&optimal, "optimal", false, "show the recommended strategy instead")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute the recommendation instead of using the cached report")

	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [STRATEGY]",
		Short: "Show per-strategy execution statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				s, err := strategy.Parse(args[0])
				if err != nil {
					return err
				}
				name = string(s)
			}
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				return c.Statistics(ctx, name)
			})
		},
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var analyze bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				if analyze {
					return c.Analysis(ctx)
				}
				return c.Health(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", false, "show the failure analysis and suggestions")

	return cmd
}

func newSwitchesCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "switches",
		Short: "List recent strategy switches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				return c.Switches(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of switches to show")

	return cmd
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run auto recovery now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
				return c.Recover(ctx)
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear statistics, health state and history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset deletes all reliability data; pass --yes to confirm")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Reset(cmd.Context()); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "all reliability data reset")
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")

	return cmd
}

func newPreferCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prefer STRATEGY",
		Short: "Switch to a strategy on behalf of the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strategy.Parse(args[0])
			if err != nil {
				return err
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			data, err := c.Prefer(cmd.Context(), string(s))
			if err != nil {
				return err
			}
			if data == nil {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is already active\n", s)
				return err
			}

			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func run(cmd *cobra.Command, opts *rootOptions, call func(context.Context, *client.Client) (json.RawMessage, error)) error {
	c, err := opts.client()
	if err != nil {
		return err
	}

	data, err := call(cmd.Context(), c)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), data)
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	buf.WriteByte('\n')

	_, err := buf.WriteTo(w)
	return err
}
