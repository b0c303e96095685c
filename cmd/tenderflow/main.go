// Command tenderflow answers natural-language questions about tender
// documents stored in a Neo4j knowledge graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		errColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "tenderflow",
		Short: "Query tender documents in natural language",
		Long: `tenderflow turns a natural-language question into a parametrized graph
query, runs it against Neo4j and ranks the matching tender documents.

Settings come from defaults, then --config, then --env-file, then the
environment (NEO4J_URI, OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML, JSON or .env settings file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file; a missing default file is ignored")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "DEBUG, INFO, WARNING or ERROR (overrides settings)")
	root.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")

	root.AddCommand(
		newQueryCommand(g),
		newBatchCommand(g),
		newPingCommand(g),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tenderflow %s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
