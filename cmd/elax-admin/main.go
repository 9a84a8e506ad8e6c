// Command elax-admin is the operator CLI for the namespace execution
// engine: triggering compaction, printing manifest stats with the owning
// indexer, and exporting the WAL tail, per spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/elax-db/elax/internal/compactor"
	"github.com/elax-db/elax/internal/config"
	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/logging"
	"github.com/elax-db/elax/internal/manifest"
	"github.com/elax-db/elax/internal/nsmanager"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/sharding"
)

// Exit codes: 0 success, 1 operational failure, 2 usage error.
const (
	exitOK = iota
	exitFailure
	exitUsage
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := &cobra.Command{
		Use:           "elax-admin",
		Short:         "operator CLI for the namespace execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	// ran is set only once cobra has parsed flags and validated arguments,
	// so an error before that point is a usage error.
	var ran bool
	root.PersistentPreRun = func(*cobra.Command, []string) { ran = true }

	var compactCfg compactor.Config
	compactCmd := &cobra.Command{
		Use:   "compact <namespace>",
		Short: "seal in-memory rows and run one compaction pass against a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			return runCompact(cmd.Context(), cliArgs[0], compactCfg)
		},
	}
	compactCmd.Flags().IntVar(&compactCfg.MaxSegments, "max-segments", 8, "segment-count compaction trigger")
	compactCmd.Flags().Int64Var(&compactCfg.MaxTotalDocs, "max-total-docs", 10_000_000, "doc-count compaction trigger")
	compactCmd.Flags().IntVar(&compactCfg.MinSegmentsToMerge, "min-segments-to-merge", 2, "minimum segments per merge")
	compactCmd.Flags().IntVar(&compactCfg.MaxSegmentsToMerge, "max-segments-to-merge", 8, "maximum segments per merge")
	compactCmd.Flags().IntVar(&compactCfg.IVFNList, "ivf-nlist", 256, "IVF list count to retrain with")
	compactCmd.Flags().IntVar(&compactCfg.IVFMaxIters, "ivf-max-iters", 25, "IVF k-means iteration cap")
	compactCmd.Flags().Float64Var(&compactCfg.IVFTolerance, "ivf-tolerance", 1e-4, "IVF k-means convergence tolerance")
	compactCmd.Flags().Int64Var(&compactCfg.IVFSeed, "ivf-seed", 1, "IVF k-means random seed")

	verifyCmd := &cobra.Command{
		Use:   "verify <namespace>",
		Short: "print a namespace's manifest stats and its owning indexer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			return runVerify(cmd.Context(), cliArgs[0])
		},
	}

	var exportSince uint64
	exportCmd := &cobra.Command{
		Use:   "export-wal <namespace>",
		Short: "print a namespace's recoverable WAL entries as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			return runExportWAL(cmd.Context(), cliArgs[0], exportSince)
		},
	}
	exportCmd.Flags().Uint64Var(&exportSince, "since", 0, "only print entries with sequence > since")

	root.AddCommand(compactCmd, verifyCmd, exportCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "elax-admin:", err)
		if !ran || errs.Is(err, errs.Validation) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

func loadConfigAndStore(ctx context.Context) (config.Config, objectstore.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := objectstore.New(ctx, cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}

func runCompact(ctx context.Context, namespace string, cfg compactor.Config) error {
	_, store, err := loadConfigAndStore(ctx)
	if err != nil {
		return err
	}
	log := logging.Named("elax-admin")

	manager := nsmanager.New(store, os.TempDir(), "admin", nsmanager.WALModeLocal, nil, log)
	ns, err := manager.Get(ctx, namespace)
	if err != nil {
		return fmt.Errorf("load namespace %s: %w", namespace, err)
	}
	if err := ns.Seal(ctx, cfg); err != nil {
		return fmt.Errorf("seal namespace %s: %w", namespace, err)
	}
	if err := ns.Compact(ctx, cfg); err != nil {
		return fmt.Errorf("compact namespace %s: %w", namespace, err)
	}
	fmt.Println("compaction complete:", namespace)
	return nil
}

func runVerify(ctx context.Context, namespace string) error {
	cfg, store, err := loadConfigAndStore(ctx)
	if err != nil {
		return err
	}
	manifests := manifest.New(store, namespace)
	m, err := manifests.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest for %s: %w", namespace, err)
	}
	router, err := sharding.New(cfg.TotalIndexers, cfg.SelfIndex, cfg.SingleNode, cfg.QueryNode)
	if err != nil {
		return err
	}
	owner := router.OwnerOf(namespace)
	fmt.Printf("namespace=%s version=%d segments=%d total_docs=%d owner_index=%d\n",
		namespace, m.Version, m.Stats.TotalSegments, m.Stats.TotalDocs, owner)
	return nil
}

func runExportWAL(ctx context.Context, namespace string, since uint64) error {
	_, store, err := loadConfigAndStore(ctx)
	if err != nil {
		return err
	}
	log := logging.Named("elax-admin")
	manager := nsmanager.New(store, os.TempDir(), "admin", nsmanager.WALModeLocal, nil, log)
	ns, err := manager.Get(ctx, namespace)
	if err != nil {
		return fmt.Errorf("load namespace %s: %w", namespace, err)
	}

	entries, err := ns.ExportWAL(since)
	if err != nil {
		return fmt.Errorf("export wal for %s: %w", namespace, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}
