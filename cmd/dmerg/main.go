package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dmerg/internal/config"
	"dmerg/internal/facility"
	"dmerg/internal/interrupt"
	"dmerg/internal/logging"
	"dmerg/internal/merge"
	"dmerg/internal/report"
	"dmerg/internal/session"
	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath    string
	logLevel      string
	logFormat     string
	corruptPolicy string

	full       bool
	output     string
	consoleOff bool
	mute       bool
	useDmesg   bool
	tempDir    string
	keepTemp   bool

	mergeOutput  string
	renderOutput string
)

var rootCmd = &cobra.Command{
	Use:   "dmerg",
	Short: "dmerg - Record kernel messages alongside your own notes",
	Long: `dmerg follows the kernel log and reads lines from stdin at the same time.
Both are saved with timestamps, and when you press Ctrl-C they are merged
into one chronological log.

Type what you are doing (plugging a device, loading a module) while dmerg
runs, and the output shows your notes between the kernel messages they
caused.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd, true)
		if err != nil {
			return err
		}
		return runSession(cfg)
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge A B",
	Short: "Merge two persisted logs",
	Long: `Merge two logs written by dmerg (for example intermediate files kept with
--keep-temp) into one chronological log. On equal timestamps the line from B
comes first. Without -o the result goes to stdout.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd, false)
		if err != nil {
			return err
		}
		policy, err := merge.ParsePolicy(cfg.CorruptPolicy)
		if err != nil {
			return err
		}

		var stats merge.Stats
		if mergeOutput == "" {
			stats, err = mergeToStdout(args[0], args[1], policy)
		} else {
			stats, err = merge.Files(args[0], args[1], mergeOutput, policy)
		}
		if err != nil {
			return err
		}
		if stats.Corrupt > 0 {
			fmt.Fprintf(os.Stderr, "%d line(s) without a valid timestamp (policy %s)\n", stats.Corrupt, policy)
		}
		return nil
	},
}

func mergeToStdout(aPath, bPath string, policy merge.Policy) (merge.Stats, error) {
	a, err := os.Open(aPath)
	if err != nil {
		return merge.Stats{}, errors.Mark(errors.Wrap(err, "open merge input"), stamplog.ErrIO)
	}
	defer func() { _ = a.Close() }()
	b, err := os.Open(bPath)
	if err != nil {
		return merge.Stats{}, errors.Mark(errors.Wrap(err, "open merge input"), stamplog.ErrIO)
	}
	defer func() { _ = b.Close() }()
	return merge.Merge(a, b, os.Stdout, policy)
}

var renderCmd = &cobra.Command{
	Use:           "render MERGED",
	Short:         "Render a merged log as an HTML report",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveConfig(cmd, false); err != nil {
			return err
		}
		out := renderOutput
		if out == "" {
			out = args[0] + ".html"
		}
		if _, err := report.File(args[0], out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "+ Report written to %s\n", out)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dmerg version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "dmerg", version)
	},
}

// resolveConfig loads the config file and applies the flags the user set on
// cmd, then validates the result and installs the logger. The capture flags
// are only looked at for the root command.
func resolveConfig(cmd *cobra.Command, capture bool) (config.Config, error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	changed := func(name string) bool {
		return flags.Lookup(name) != nil && flags.Changed(name)
	}
	if changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if changed("corrupt-policy") {
		cfg.CorruptPolicy = corruptPolicy
	}
	if capture {
		if changed("full") {
			cfg.Full = full
		}
		if changed("output") {
			cfg.Output = output
		}
		if changed("console-off") || changed("mute") {
			cfg.ConsoleOff = consoleOff || mute
		}
		if changed("dmesg") {
			cfg.Dmesg = useDmesg
		}
		if changed("temp-dir") {
			cfg.TempDir = tempDir
		}
		if changed("keep-temp") {
			cfg.KeepTemp = keepTemp
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return config.Config{}, errors.Newf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	return cfg, nil
}

// kernelSpec picks the facility the config asks for.
func kernelSpec(cfg config.Config) facility.Spec {
	if cfg.Dmesg {
		if cfg.DmesgCommand != nil {
			return facility.Override("dmesg", cfg.DmesgCommand)
		}
		return facility.Dmesg()
	}
	if cfg.JournalCommand != nil {
		return facility.Override("journalctl", cfg.JournalCommand)
	}
	return facility.Journal(cfg.Full)
}

func runSession(cfg config.Config) error {
	policy, err := merge.ParsePolicy(cfg.CorruptPolicy)
	if err != nil {
		return err
	}
	echo := !cfg.ConsoleOff

	s, err := session.New(session.Options{
		Full:      cfg.Full,
		Echo:      echo,
		Output:    cfg.Output,
		OutputDir: cfg.OutputDir,
		TempDir:   cfg.TempDir,
		KeepTemp:  cfg.KeepTemp,
		Kernel:    kernelSpec(cfg),
		Policy:    policy,
		Input:     os.Stdin,
		Console:   os.Stdout,
	})
	if err != nil {
		return err
	}

	if echo && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "dmerg: recording, type notes and press Ctrl-C to finish")
	}

	b := interrupt.Notify(context.Background())
	defer b.Stop()

	res, err := s.Run(b.Context())
	if err != nil {
		return err
	}

	if echo || res.Generated {
		out := res.Output
		if abs, err := filepath.Abs(out); err == nil {
			out = abs
		}
		fmt.Printf("+ Output written to %s\n", out)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Diagnostic log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Diagnostic log format: text or json")
	rootCmd.PersistentFlags().StringVar(&corruptPolicy, "corrupt-policy", "truncate", "What the merge does with lines without a valid timestamp: truncate or skip")

	rootCmd.Flags().BoolVarP(&full, "full", "f", false, "Also record kernel messages from before dmerg started")
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Merged output file (default: dmerged.<session id> in the current directory)")
	rootCmd.Flags().BoolVarP(&consoleOff, "console-off", "c", false, "Do not echo recorded lines to the console")
	rootCmd.Flags().BoolVar(&mute, "mute", false, "Alias for --console-off")
	rootCmd.Flags().BoolVarP(&useDmesg, "dmesg", "d", false, "Read the kernel log with dmesg instead of journalctl")
	rootCmd.Flags().StringVar(&tempDir, "temp-dir", "", "Directory for the intermediate logs (default: system temp dir)")
	rootCmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "Keep the intermediate logs after merging")

	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Merged output file (default: stdout)")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "HTML output file (default: MERGED.html)")

	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dmerg:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}
