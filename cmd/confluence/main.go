// Command confluence runs a tool-calling agent either as an interactive
// chat on stdin or as an MCP server over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nevindra/confluence/internal/config"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "confluence:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "confluence",
		Short:         "Tool-calling agent with superseding runs and resource subscriptions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFLUENCE_CONFIG"),
		"path to the TOML config file (default confluence.toml)")

	load := func() (config.Config, error) { return config.Load(configPath) }
	root.AddCommand(newChatCmd(load), newMCPCmd(load), newRunsCmd(load))
	return root
}

func newChatCmd(load func() (config.Config, error)) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat on stdin; a new line supersedes the running prompt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cfg.Log.Logger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(cmd.Context(), a, conversation, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "conversation id")
	return cmd
}

func newMCPCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			a, err := newApp(cmd.Context(), cfg, cfg.Log.Logger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serveMCP(cmd.Context())
		},
	}
}

func newRunsCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		conversation string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return listRuns(cmd.Context(), cfg, conversation, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "only runs of this conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}
