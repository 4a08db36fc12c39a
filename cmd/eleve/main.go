// Package main provides the eleve CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/np/eleve/pkg/config"
	"github.com/np/eleve/pkg/eleve"
	"github.com/np/eleve/pkg/pool"
	"github.com/np/eleve/pkg/snapshot"
	"github.com/np/eleve/pkg/trie"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eleve",
		Short: "eleve - n-gram autonomy model backed by BadgerDB",
		Long: `eleve stores n-gram counts in a forward and a backward trie and scores
token sequences by their branching entropy.

Features:
  • Persistent tries on BadgerDB
  • Count, entropy, entropy variation and autonomy queries
  • Per-depth normalization statistics
  • Portable zstd/CBOR snapshots`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().Int("order", 0, "Maximum n-gram length (overrides config)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("eleve v%s (%s)\n", version, commit)
		},
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Rebuild and print the normalization statistics",
		RunE:  runStats,
	})

	// Query commands
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query the model",
	}
	for _, q := range []struct {
		name  string
		short string
		fn    func(*eleve.Storage, trie.Ngram) (float64, error)
	}{
		{"count", "Occurrences of an n-gram", (*eleve.Storage).QueryCount},
		{"entropy", "Branching entropy of an n-gram", (*eleve.Storage).QueryEntropy},
		{"ev", "Entropy variation of an n-gram", (*eleve.Storage).QueryEV},
		{"autonomy", "Normalized entropy variation of an n-gram", (*eleve.Storage).QueryAutonomy},
	} {
		q := q
		queryCmd.AddCommand(&cobra.Command{
			Use:   q.name + " TOKEN...",
			Short: q.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQuery(cmd, args, q.fn)
			},
		})
	}
	rootCmd.AddCommand(queryCmd)

	// Export command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write a snapshot of the model",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	})

	// Import command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Add the content of a snapshot to the model",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	})

	// Clear command
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every n-gram",
		RunE:  runClear,
	}
	clearCmd.Flags().Bool("yes", false, "Confirm deletion")
	rootCmd.AddCommand(clearCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and environment, then applies
// the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromEnvOrFile(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("order") {
		cfg.Model.Order, _ = cmd.Flags().GetInt("order")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStorage(cmd *cobra.Command) (*eleve.Storage, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return eleve.Open(cfg)
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Println("🔍 Rebuilding statistics...")
	start := time.Now()
	if err := s.UpdateStats(); err != nil {
		return err
	}
	fmt.Printf("✅ Done in %v\n\n", time.Since(start).Round(time.Millisecond))

	for _, dir := range []struct {
		name string
		t    *trie.Trie
	}{
		{"forward", s.Forward()},
		{"backward", s.Backward()},
	} {
		mass, err := dir.t.QueryCount(nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s: mass %d, max depth %d\n", dir.name, mass, dir.t.MaxDepth())
		fmt.Printf("  %-6s %12s %12s\n", "depth", "mean", "stdev")
		for i, e := range dir.t.Normalization() {
			fmt.Printf("  %-6d %12.6f %12.6f\n", i+1, e.Mean, e.Stdev)
		}
		fmt.Println()
	}

	cs := s.Forward().CacheStats()
	fmt.Printf("disk size:     %s\n", config.FormatSize(s.DiskSize()))
	fmt.Printf("entropy cache: enabled=%v size=%d/%d hit rate %.1f%%\n",
		cs.Enabled, cs.Size, cs.MaxSize, cs.HitRate)
	fmt.Printf("buffer pools:  enabled=%v\n", pool.IsEnabled())
	return nil
}

func runQuery(cmd *cobra.Command, args []string, fn func(*eleve.Storage, trie.Ngram) (float64, error)) error {
	s, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := fn(s, trie.NewNgram(args...))
	if err != nil {
		return err
	}
	fmt.Printf("%g\n", v)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("📦 Exporting to %s\n", args[0])
	summary, err := snapshot.Export(ctx, s, f)
	if err != nil {
		f.Close()
		os.Remove(args[0])
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	var size int64
	if fi, err := os.Stat(args[0]); err == nil {
		size = fi.Size()
	}
	fmt.Printf("✅ Wrote %d records (mass %d, %s)\n",
		summary.Records, summary.Header.Mass, config.FormatSize(size))
	fmt.Printf("   Snapshot ID: %s\n", summary.Header.ID)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("📥 Importing %s\n", args[0])
	summary, err := snapshot.Import(ctx, s, f)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Imported %d records (mass %d) from snapshot %s\n",
		summary.Records, summary.Header.Mass, summary.Header.ID)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return fmt.Errorf("refusing to clear without --yes")
	}

	s, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.DiskSize()
	if err := s.Clear(); err != nil {
		return err
	}
	if err := s.Compact(); err != nil {
		return fmt.Errorf("compacting after clear: %w", err)
	}
	fmt.Printf("🗑️  Cleared %s (was %s)\n", s.Path(), config.FormatSize(before))
	return nil
}
