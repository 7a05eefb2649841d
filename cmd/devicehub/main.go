package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"devicehub/internal/config"
	"devicehub/internal/device"
	"devicehub/internal/entry"
	"devicehub/internal/flow"
	"devicehub/internal/integration"
)

var version = "dev"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	cmd := &cli.Command{
		Name:    "devicehub",
		Usage:   "Poll local devices and publish them to Home Assistant",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
				Sources: cli.EnvVars("DEVICEHUB_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Load all config entries and serve the HTTP API",
				Action: runService,
			},
			{
				Name:  "add",
				Usage: "Add a device through the user config flow",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "Device host or host:port", Required: true},
					&cli.StringFlag{Name: "api-key", Usage: "API key, prompted for when omitted", Sources: cli.EnvVars("DEVICEHUB_API_KEY")},
				},
				Action: addEntry,
			},
			{
				Name:   "entries",
				Usage:  "List stored config entries",
				Action: listEntries,
			},
		},
		DefaultCommand: "run",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger it asks for.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.Load(cmd.String("config"), bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	levelName := cfg.LogLevel
	if cmd.IsSet("log-level") {
		levelName = cmd.String("log-level")
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (*entry.Store, error) {
	store := entry.NewStore(cfg.EntriesFile, logger)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func addEntry(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	apiKey := cmd.String("api-key")
	if apiKey == "" {
		if apiKey, err = promptSecret("API key: "); err != nil {
			return err
		}
	}

	factory := device.NewFactory(logger)
	flows := flow.NewManager(integration.Domain, store, factory, logger)

	res, err := flows.Init(ctx, entry.SourceUser, "")
	if err != nil {
		return err
	}

	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err = flows.Configure(submitCtx, res.FlowID, map[string]interface{}{
		flow.FieldHost:   cmd.String("host"),
		flow.FieldAPIKey: apiKey,
	})
	if err != nil {
		return err
	}

	switch res.Type {
	case flow.ResultCreateEntry:
		fmt.Printf("Added %s (entry %s)\n", res.Title, res.EntryID)
		return nil
	case flow.ResultAbort:
		return fmt.Errorf("not added: %s", res.Reason)
	default:
		reasons := make([]string, 0, len(res.Errors))
		for field, reason := range res.Errors {
			reasons = append(reasons, field+": "+reason)
		}
		return fmt.Errorf("not added: %s", strings.Join(reasons, ", "))
	}
}

func promptSecret(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no --api-key given and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}

	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("API key must not be empty")
	}
	return secret, nil
}

func listEntries(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	entries := store.All()
	if len(entries) == 0 {
		fmt.Println("No config entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tENTRY ID\tHOST\tUNIQUE ID\tSCAN INTERVAL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Title, e.EntryID, e.Data.Host, e.UniqueID, e.Options.Interval())
	}
	return w.Flush()
}
