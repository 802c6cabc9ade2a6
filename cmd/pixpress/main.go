package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixpress-go/internal/codec"
	"pixpress-go/internal/config"
	"pixpress-go/internal/conflict"
	"pixpress-go/internal/logger"
	"pixpress-go/internal/metadata"
	"pixpress-go/internal/planner"
	"pixpress-go/internal/web"
	"pixpress-go/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	outputDir     string
	quality       int
	preset        string
	targetFormat  string
	stripMetadata bool
	onConflict    string
	verbose       bool
	quiet         bool
	port          int
)

// rootCmd processes the given image files as one batch.
var rootCmd = &cobra.Command{
	Use:   "pixpress [files...]",
	Short: "Batch compress and convert images",
	Long: `Pixpress re-encodes a batch of JPEG/PNG images at a chosen quality,
optionally strips embedded metadata, optionally converts to another
format (JPEG, PNG, WebP), and resolves output-path collisions.

Each file is processed in input order; one malformed file never aborts
the batch. The run can be cancelled with Ctrl+C: the file in flight
finishes, no new file starts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(args)
	},
}

// checkCmd pre-scans the output folder for collisions without processing.
var checkCmd = &cobra.Command{
	Use:   "check [files...]",
	Short: "List output-path conflicts without processing anything",
	Long: `Check derives the output path for every input file and reports which
paths already exist, with the size and modification time of the existing
file. Nothing is written; this is the pre-flight view used to choose a
conflict strategy before a run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(args)
	},
}

// inspectCmd dumps the embedded metadata of a single file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show embedded metadata of an image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a web server exposing the batch engine: start and cancel runs,
pre-scan conflicts, and watch per-file progress over a WebSocket.

Access the interface at http://localhost:<port> (default: 8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output", "", "output folder (created if absent)")
	rootCmd.PersistentFlags().StringVar(&targetFormat, "format", "", "target format: keep-original, jpeg, png, webp")

	rootCmd.Flags().IntVar(&quality, "quality", 0, "encoding quality 1-100 (out-of-range values are clamped)")
	rootCmd.Flags().StringVar(&preset, "preset", "", "quality preset: web (75), balanced (85), high (95)")
	rootCmd.Flags().BoolVar(&stripMetadata, "strip-metadata", false, "omit embedded metadata from outputs")
	rootCmd.Flags().StringVar(&onConflict, "on-conflict", "", "conflict strategy: replace, skip, rename, ask")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig loads configuration file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pixpress")
		viper.AddConfigPath("/etc/pixpress")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runProcess executes one batch run over the given files.
func runProcess(files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var overrides map[string]planner.Strategy
	if strings.EqualFold(onConflict, "ask") {
		overrides, err = askPerFile(files, cfg.Settings(), os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
	}

	log := setupLogger(cfg)
	run := worker.New(worker.Options{
		Inputs:            files,
		Settings:          cfg.Settings(),
		Strategy:          cfg.Strategy(),
		AllowedExtensions: cfg.SourceExtensions,
		StrategyOverrides: overrides,
	}, codec.NewDefaultCodec(log), log)

	if err := run.Start(); err != nil {
		return err
	}

	// Ctrl+C requests a cooperative stop: the file in flight finishes,
	// nothing new starts.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nCancelling after the current file...")
		run.Cancel()
	}()

	var summary worker.Summary
	for ev := range run.Events() {
		switch ev.Kind {
		case worker.EventFileStarted:
			if !quiet {
				fmt.Printf("Processing %s\n", ev.File)
			}
		case worker.EventFileCompleted:
			if quiet {
				continue
			}
			switch {
			case ev.Skipped:
				fmt.Printf("  %s: %s\n", ev.File, ev.Message)
			case ev.Success:
				fmt.Printf("  %s: %s\n", ev.File, ev.Message)
			default:
				fmt.Printf("  %s: FAILED: %s\n", ev.File, ev.Message)
			}
		case worker.EventProgress:
			if !quiet {
				fmt.Printf("  [%d%%]\n", ev.Percent)
			}
		case worker.EventBatchFinished:
			summary = *ev.Summary
		}
	}

	if !quiet {
		fmt.Println()
		fmt.Println(run.Stats().GetSummary())
	}

	signal.Stop(sigChan)

	if summary.Cancelled {
		fmt.Fprintln(os.Stderr, "Run cancelled")
	}
	return nil
}

// runCheck pre-scans for output-path conflicts and prints them.
func runCheck(files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	settings := cfg.Settings()
	candidates := make([]string, 0, len(files))
	for _, input := range files {
		if !cfg.IsSourceFile(input) {
			fmt.Printf("ignoring %s: not an accepted source format\n", input)
			continue
		}
		candidates = append(candidates, planner.DerivePath(input, settings))
	}

	infos := conflict.NewChecker().Check(candidates)
	found := 0
	for _, path := range candidates {
		info := infos[path]
		if !info.Exists {
			continue
		}
		found++
		fmt.Printf("%s  (%s, modified %s)\n",
			info.Path, conflict.FormatSize(info.Size), conflict.FormatModified(info.ModifiedAt))
	}

	if found == 0 {
		fmt.Println("No conflicts: all output paths are free.")
	} else {
		fmt.Printf("\n%d of %d output paths already exist.\n", found, len(candidates))
		fmt.Println("Choose a strategy with --on-conflict=replace|skip|rename|ask when processing.")
	}
	return nil
}

// askPerFile prompts for a conflict strategy for every input whose
// derived output path already exists. Answers become per-file overrides,
// so the worker itself never blocks on user input mid-run.
func askPerFile(files []string, settings planner.Settings, in io.Reader, out io.Writer) (map[string]planner.Strategy, error) {
	checker := conflict.NewChecker()
	scanner := bufio.NewScanner(in)
	overrides := make(map[string]planner.Strategy)

	for _, input := range files {
		candidate := planner.DerivePath(input, settings)
		existing := checker.Check([]string{candidate})[candidate]
		if !existing.Exists {
			continue
		}

		fmt.Fprintf(out, "%s already exists (%s, modified %s)\n",
			existing.Path, conflict.FormatSize(existing.Size), conflict.FormatModified(existing.ModifiedAt))
		for {
			fmt.Fprint(out, "  [r]eplace, [s]kip, re[n]ame? ")
			if !scanner.Scan() {
				return nil, fmt.Errorf("conflict for %s left unresolved", input)
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			switch answer {
			case "r", "replace":
				overrides[input] = planner.StrategyReplace
			case "s", "skip":
				overrides[input] = planner.StrategySkip
			case "n", "rename":
				overrides[input] = planner.StrategyAutoRename
			default:
				continue
			}
			break
		}
	}
	return overrides, nil
}

// runInspect prints the embedded metadata of a single file.
func runInspect(filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	if !metadata.HasEXIF(filePath) {
		fmt.Println("No EXIF metadata found")
	}

	lines, err := metadata.Inspect(filePath)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Web.Port = port
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log, codec.NewDefaultCodec(log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Web.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Pixpress web interface: http://localhost:%d (Ctrl+C to stop)\n", cfg.Web.Port)

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if targetFormat != "" {
		if !planner.IsValidTargetFormat(targetFormat) {
			return nil, fmt.Errorf("invalid format: %s (valid: %s, %s)",
				targetFormat, planner.KeepOriginal, strings.Join(planner.TargetFormats(), ", "))
		}
		cfg.TargetFormat = targetFormat
	}
	if preset != "" {
		if err := cfg.ApplyPreset(preset); err != nil {
			return nil, err
		}
	}
	if quality != 0 {
		cfg.Quality = planner.ClampQuality(quality)
	}
	if stripMetadata {
		cfg.StripMetadata = true
	}
	// "ask" is resolved interactively before the run starts; the config
	// keeps its run-level strategy for files the user is not asked about.
	if onConflict != "" && !strings.EqualFold(onConflict, "ask") {
		if _, err := planner.ParseStrategy(onConflict); err != nil {
			return nil, err
		}
		cfg.ConflictStrategy = onConflict
	}

	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	opts := logger.Options{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    verbose && !quiet,
	}

	if verbose {
		opts.Level = "debug"
	}
	if quiet {
		opts.Level = "error"
	}

	log, err := logger.New(opts)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
