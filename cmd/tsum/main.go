package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tsumshop/internal/clock"
	"github.com/smallbiznis/tsumshop/internal/config"
	"github.com/smallbiznis/tsumshop/internal/events"
	"github.com/smallbiznis/tsumshop/internal/migration"
	"github.com/smallbiznis/tsumshop/internal/observability"
	"github.com/smallbiznis/tsumshop/internal/order"
	"github.com/smallbiznis/tsumshop/internal/payment"
	"github.com/smallbiznis/tsumshop/internal/redis"
	"github.com/smallbiznis/tsumshop/internal/server"
	"github.com/smallbiznis/tsumshop/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tsum",
		Short:   "Tsum Shop payment reconciliation service",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply the schema, then serve the payment endpoints and the order event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations, or roll back with --down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if down > 0 {
				return runRollback(down)
			}
			return runMigrate()
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to roll back (postgres only)")
	return cmd
}

func runServe() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redis.Module,
		events.Module,
		order.Module,
		payment.Module,
		server.Module,
	)
	app.Run()
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runRollback(steps int) error {
	sqlDB, err := migration.OpenPostgres(config.Load())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := migration.Rollback(sqlDB, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func registerSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := strings.TrimSpace(os.Getenv("SNOWFLAKE_NODE_ID")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOWFLAKE_NODE_ID: %w", err)
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
