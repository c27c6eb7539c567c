// jitlink compiles synthesized units through the optimizing tier's link step
// and prints what the linker produced.
package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/jitlink/common"
	"github.com/colorfulnotion/jitlink/config"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:          "jitlink",
		Short:        "Optimizing-tier link and relocation tool",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		configPath string
		debug      string
		opts       compileOptions
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "Debug log modules to enable (comma separated or all)")

	loadConfig := func() (*config.Config, error) {
		if configPath == "" {
			return config.Default(), nil
		}
		return config.Load(configPath)
	}

	var compileCmd = &cobra.Command{
		Use:   "compile",
		Short: "Synthesize, compile and link units, then print their metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug != "" {
				cfg.Log.Modules = debug
			}
			setupLogging(cfg)
			return runCompile(cmd.OutOrStdout(), cfg, opts)
		},
	}
	compileCmd.Flags().StringVar(&opts.name, "name", "f", "Unit name")
	compileCmd.Flags().IntVar(&opts.units, "units", 1, "Number of units to compile concurrently")
	compileCmd.Flags().IntVar(&opts.params, "params", 2, "Declared parameter count")
	compileCmd.Flags().IntVar(&opts.locals, "locals", 16, "Callee register slots")
	compileCmd.Flags().IntVar(&opts.script.Guards, "guards", 4, "Speculation guards")
	compileCmd.Flags().IntVar(&opts.script.Throws, "throws", 2, "Throwing helper calls")
	compileCmd.Flags().IntVar(&opts.script.GetByIDs, "gets", 2, "get_by_id inline caches")
	compileCmd.Flags().IntVar(&opts.script.PutByIDs, "puts", 1, "put_by_id inline caches")
	compileCmd.Flags().IntVar(&opts.script.Calls, "calls", 1, "JS call sites")
	compileCmd.Flags().IntVar(&opts.script.Constructs, "constructs", 0, "JS construct sites")
	compileCmd.Flags().IntVar(&opts.script.Loops, "loops", 1, "Loop headers with OSR entries")
	compileCmd.Flags().IntVar(&opts.script.InlineDepth, "inline", 0, "Inline frame depth of every other op")
	compileCmd.Flags().BoolVar(&opts.program, "program", false, "Compile without the arity-checked entry")
	compileCmd.Flags().BoolVar(&opts.constructor, "constructor", false, "Use the construct arity fixup")
	compileCmd.Flags().BoolVar(&opts.disasm, "disasm", false, "Print the linked code")
	compileCmd.Flags().BoolVar(&opts.tree, "tree", true, "Print the metadata tree")
	compileCmd.Flags().BoolVar(&opts.events, "events", false, "Print structured lifecycle events")
	compileCmd.Flags().BoolVar(&opts.printScript, "script", false, "Print the synthesized script")

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			commit := Commit
			if commit == "none" {
				commit = common.GetCommitHash()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "jitlink %s (commit %s, built %s)\n", Version, commit, BuildTime)
		},
	}

	rootCmd.AddCommand(compileCmd, configCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
