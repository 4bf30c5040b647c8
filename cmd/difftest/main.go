// Package main provides the difftest CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"difftest/internal/cache"
	"difftest/internal/config"
	"difftest/internal/merge"
	"difftest/internal/plan"
	"difftest/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "difftest",
	Short: "Change-aware test selection for Python test suites",
	Long: `difftest records which code blocks each test exercised during a baseline
run and, on subsequent runs, selects only the tests whose blocks changed.`,
}

var planCmd = &cobra.Command{
	Use:   "plan [scope-path...]",
	Short: "Compute the run/skip sets against the current store",
	RunE:  runPlan,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <out.db> <in.db>...",
	Short: "Merge store shards into one database",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMerge,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store row counts",
	RunE:  runStats,
}

var (
	rootPath      string
	dbPath        string
	batchSize     int
	cacheSize     int
	envName       string
	pythonVersion string
	verbose       bool
	baselineMode  bool
	forceMode     bool
	collectedFile string
	jsonOutput    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", ".", "Project root")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Store path (default <root>/"+config.DefaultDBPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	planCmd.Flags().BoolVar(&baselineMode, "baseline", false, "Plan as a baseline run")
	planCmd.Flags().BoolVar(&forceMode, "force", false, "Ignore prior data, run everything")
	planCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Executions per store write")
	planCmd.Flags().IntVar(&cacheSize, "cache-size", 0, "Fingerprint cache bound")
	planCmd.Flags().StringVar(&envName, "env", "", "Environment name")
	planCmd.Flags().StringVar(&pythonVersion, "python-version", "", "Python version of the environment")
	planCmd.Flags().StringVar(&collectedFile, "collected", "", "File with collected test ids, one per line")
	planCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	statsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}
	if cacheSize > 0 {
		cfg.CacheSize = cacheSize
	}
	if envName != "" {
		cfg.Environment = envName
	}
	if pythonVersion != "" {
		cfg.PythonVersion = pythonVersion
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.ResolveDBPath(rootPath))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	session, err := plan.NewSession(plan.Options{
		Root:          rootPath,
		Store:         st,
		Cache:         cache.New(cfg.CacheSize),
		EnvName:       cfg.Environment,
		PythonVersion: cfg.PythonVersion,
		BatchSize:     cfg.BatchSize,
		Include:       cfg.Include,
		Exclude:       cfg.Exclude,
		Verbose:       cfg.Verbose,
	})
	if err != nil {
		return err
	}

	collected, err := readCollected(collectedFile)
	if err != nil {
		return err
	}

	mode := plan.ModeIncremental
	if baselineMode {
		mode = plan.ModeBaseline
	}

	result, err := session.Plan(context.Background(), mode, forceMode, collected, args)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	if jsonOutput {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("run: %d tests\n", len(result.Run))
	for _, name := range result.Run {
		fmt.Printf("  %s\n", name)
	}
	fmt.Printf("skip: %d tests\n", len(result.Skip))
	if verbose {
		for _, name := range result.Skip {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

// readCollected loads test ids from a file, one per line; empty path means
// no collected list was supplied.
func readCollected(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading collected tests: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			names = append(names, line)
		}
	}
	return names, scanner.Err()
}

func runMerge(cmd *cobra.Command, args []string) error {
	out := args[0]
	inputs := args[1:]

	result, err := merge.Databases(out, inputs)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Printf("Merged %d shards into %s: %d environments, %d executions, %d fingerprints\n",
		len(inputs), out, result.Environments, result.Executions, result.Fingerprints)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.ResolveDBPath(rootPath))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}

	if jsonOutput {
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("environments: %d\n", stats.EnvironmentCount)
	fmt.Printf("tests:        %d\n", stats.TestCount)
	fmt.Printf("files:        %d\n", stats.FileCount)
	fmt.Printf("fingerprints: %d\n", stats.FingerprintCount)
	return nil
}
