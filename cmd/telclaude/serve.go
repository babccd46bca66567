package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/agent"
	"github.com/telclaude/telclaude/internal/app"
	"github.com/telclaude/telclaude/internal/broker"
	"github.com/telclaude/telclaude/internal/mediator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mediation kernel",
	Long:  "Start the broker server, scheduler and maintenance loops, and block\nuntil SIGINT or SIGTERM. In-flight dispatches drain before exit.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var runtime mediator.AgentRuntime = agent.NewCLIRuntime(cfg.Agent.Command, cfg.Agent.Args)
	var provider broker.CapabilityProvider = broker.UnconfiguredProvider{}

	a, err := app.New(cfg, runtime, provider)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
