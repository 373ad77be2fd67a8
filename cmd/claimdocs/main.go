package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/pkg/config"
	"github.com/noah-isme/claimdocs-api/pkg/logger"
)

// @title Claim Documents API
// @version 1.0.0
// @description Upload, review and audit of insurance claim documents
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "claimdocs: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "claimdocs",
		Short:        "Claim document lifecycle service",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPolicyCmd(),
		newClaimCmd(),
		newOutboxCmd(),
	)
	return cmd
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logr, nil
}
