// Package main is the orphan cleanup CLI. It scans the legacy mirror
// collections for rows referencing deleted commands and, depending on
// the mode, reports, backs up, or removes them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/cleanup"
	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/config"
	"github.com/carecircle/medsync/internal/store"
)

var (
	flagBackupOnly bool
	flagExecute    bool
	flagBackupDir  string
	flagS3Bucket   string
)

func main() {
	root := &cobra.Command{
		Use:   "orphan-cleanup",
		Short: "Find and remove mirror rows referencing deleted commands",
		Long: `orphan-cleanup scans the legacy mirror collections for rows whose
command no longer exists. The default mode is a read-only dry run that
only reports counts. --backup-only additionally snapshots the candidate
rows; --execute snapshots and then deletes them.`,
		RunE: run,
	}

	root.Flags().BoolVar(&flagBackupOnly, "backup-only", false, "snapshot orphaned rows without deleting")
	root.Flags().BoolVar(&flagExecute, "execute", false, "snapshot and delete orphaned rows")
	root.Flags().StringVar(&flagBackupDir, "backup-dir", "", "local directory for snapshots (overrides BACKUP_DIR)")
	root.Flags().StringVar(&flagS3Bucket, "s3-bucket", "", "S3 bucket for snapshots (overrides BACKUP_S3_BUCKET)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if flagBackupOnly && flagExecute {
		return fmt.Errorf("--backup-only and --execute are mutually exclusive")
	}
	mode := cleanup.ModeDryRun
	switch {
	case flagExecute:
		mode = cleanup.ModeExecute
	case flagBackupOnly:
		mode = cleanup.ModeBackupOnly
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagBackupDir != "" {
		cfg.BackupDir = flagBackupDir
	}
	if flagS3Bucket != "" {
		cfg.BackupS3Bucket = flagS3Bucket
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	snapshotter, err := buildSnapshotter(ctx, cfg)
	if err != nil {
		return err
	}

	st := store.New(pool, logger)
	tool := cleanup.New(st, snapshotter, logger, clock.System())

	report, err := tool.Run(ctx, mode)
	if err != nil {
		return fmt.Errorf("cleanup run: %w", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	logger.Info("cleanup finished",
		zap.String("mode", string(mode)),
		zap.Int64("orphaned", report.TotalOrphaned()))
	return nil
}

// buildSnapshotter prefers S3 when a bucket is configured, falling back
// to local files.
func buildSnapshotter(ctx context.Context, cfg *config.Config) (cleanup.Snapshotter, error) {
	if cfg.BackupS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		prefix := cfg.BackupS3Prefix
		if prefix != "" && prefix[len(prefix)-1] != '/' {
			prefix += "/"
		}
		return &cleanup.S3Snapshotter{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: cfg.BackupS3Bucket,
			Prefix: prefix,
		}, nil
	}
	return &cleanup.FileSnapshotter{Dir: cfg.BackupDir}, nil
}
