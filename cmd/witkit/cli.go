package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/db"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/logging"
	"github.com/hpungsan/witkit/internal/mcp"
)

// newCLIApp creates the CLI application with all commands.
// baseDir is the global state directory (~/.witkit).
func newCLIApp(baseDir string, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "witkit",
		Usage:   "Query handles and safe bulk changes for work items",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(baseDir, cfg),
			configCmd(baseDir, cfg),
			seedCmd(baseDir, cfg),
			versionCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(baseDir string, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the MCP server over stdio (the default when stdin is piped)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-file", Usage: "Write logs to this file instead of stderr"},
		},
		Action: func(c *cli.Context) error {
			if err := serve(baseDir, cfg, c.String("log-file")); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// configReport is the output of config show.
type configReport struct {
	Valid                bool                       `json:"valid"`
	Error                string                     `json:"error,omitempty"`
	Config               *config.Config             `json:"config"`
	Warnings             []config.ValidationWarning `json:"warnings,omitempty"`
	UnknownDisabledTools []string                   `json:"unknown_disabled_tools,omitempty"`
	AvailableTools       []string                   `json:"available_tools"`
}

// configCmd creates the config command and its subcommands.
func configCmd(baseDir string, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect or create configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration and any problems with it",
				Action: func(c *cli.Context) error {
					report := configReport{
						Valid:                true,
						Config:               cfg,
						Warnings:             cfg.Warnings(),
						UnknownDisabledTools: mcp.ValidateDisabledTools(cfg.DisabledTools),
						AvailableTools:       mcp.AllToolNames(),
					}
					if err := cfg.Validate(); err != nil {
						report.Valid = false
						report.Error = err.Error()
					}
					return outputJSON(report)
				},
			},
			{
				Name:  "init",
				Usage: "Write a default config.json",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "repo", Usage: "Write to ./.witkit instead of the global directory"},
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					dir := baseDir
					if c.Bool("repo") {
						cwd, err := os.Getwd()
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						dir = filepath.Join(cwd, ".witkit")
					}
					path, err := writeDefaultConfig(dir, c.Bool("force"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(map[string]string{"path": path})
				},
			},
		},
	}
}

// writeDefaultConfig atomically writes the default config to dir/config.json.
func writeDefaultConfig(dir string, force bool) (string, error) {
	path := filepath.Join(dir, "config.json")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", errors.NewInvalidInput(fmt.Sprintf("%s already exists (use --force to overwrite)", path))
		}
	}
	data, err := json.MarshalIndent(config.DefaultConfig(), "", "  ")
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.NewInternal(err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return "", errors.NewInternal(err)
	}
	return path, nil
}

// seedCmd creates the seed command.
func seedCmd(baseDir string, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Load work items into the local store from a JSON or YAML file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "Project for items that do not name one"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidInput("seed takes exactly one file argument"))
			}
			items, err := loadSeedItems(c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if project := c.String("project"); project != "" {
				for i := range items {
					if items[i].Project == "" {
						items[i].Project = project
					}
				}
			}

			logger, closeLog, err := logging.New(cfg.LogLevel, "")
			if err != nil {
				return outputError(errors.NewInvalidInput(err.Error()))
			}
			defer closeLog()

			store, closeDB, err := openLocalStore(baseDir, cfg, logger)
			if err != nil {
				return outputError(err)
			}
			defer closeDB()

			n, err := store.Seed(context.Background(), items)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"seeded": n})
		},
	}
}

// loadSeedItems reads a list of seed items. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON, where comments and trailing commas are allowed.
func loadSeedItems(path string) ([]db.SeedItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewInvalidInput(err.Error())
	}

	var items []db.SeedItem
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, errors.NewInvalidInput(fmt.Sprintf("parse %s: %v", path, err))
		}
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, errors.NewInvalidInput(fmt.Sprintf("parse %s: %v", path, err))
		}
		if err := json.Unmarshal(standardized, &items); err != nil {
			return nil, errors.NewInvalidInput(fmt.Sprintf("parse %s: %v", path, err))
		}
	}

	for i, item := range items {
		if item.ID <= 0 {
			return nil, errors.NewInvalidInput(fmt.Sprintf("items[%d]: id must be a positive integer", i))
		}
	}
	return items, nil
}

// versionCmd creates the version command.
func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintln(c.App.Writer, Version)
			return err
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if witErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", witErr.Code, witErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
