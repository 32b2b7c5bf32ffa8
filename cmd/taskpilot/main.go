package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/agent/core"
	"github.com/taskpilot/taskpilot/internal/agent/telemetry"
	"github.com/taskpilot/taskpilot/internal/helpers"
	srv "github.com/taskpilot/taskpilot/internal/server"
)

func main() {
	root := &cobra.Command{Use: "taskpilot"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}

	var runURL, runStyle, runLength string
	var runJSON bool
	run := &cobra.Command{
		Use:   "run [query]",
		Short: "Run the pipeline once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runOnce(cfg, args[0], runURL, runStyle, runLength, runJSON)
		},
	}
	run.Flags().StringVarP(&runURL, "url", "u", "", "source url to fetch before the pipeline runs")
	run.Flags().StringVar(&runStyle, "style", "", "desired output style")
	run.Flags().StringVar(&runLength, "length", "", "desired output length")
	run.Flags().BoolVar(&runJSON, "json", false, "print the full trace as JSON")

	var migDir, migDSN, direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := migDSN
			if dsn == "" {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				dsn = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&migDSN, "dsn", "", "postgres url (defaults to configuration)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, run, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runOnce executes one pipeline pass without Postgres or Redis and prints
// the outcome to stdout. Pipeline logs go to stderr so the output stays
// pipeable.
func runOnce(cfg *config.Config, query, url, style, length string, asJSON bool) error {
	if url != "" {
		canonical, err := helpers.CanonicalURL(url)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		url = canonical
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()
	orch, err := core.NewOrchestrator(cfg, log.New(os.Stderr, "[ORCH] ", log.LstdFlags), tele)
	if err != nil {
		return err
	}

	req := core.TaskRequest{Query: query, SourceURL: url, DesiredStyle: style, DesiredLength: length}
	result, err := orch.Run(context.Background(), req)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.FinalOutput)
	if len(result.Citations) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, line := range helpers.FormatCitations(result.Citations) {
			fmt.Println(line)
		}
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return nil
}
