// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/observability"
)

var (
	// Version and Commit are set at build time with -ldflags.
	Version = "dev"
	Commit  = "none"
)

// Exit codes returned by main.
const (
	StatusSuccess           = 0
	StatusFailure           = 1
	StatusKeyboardInterrupt = 130
)

// flagKeys maps persistent flags onto their viper keys.
var flagKeys = map[string]string{
	"verbose":                  "logger.verbose",
	"quiet":                    "logger.quiet",
	"neo4j-uri":                "neo4j.uri",
	"neo4j-user":               "neo4j.user",
	"neo4j-password-env-var":   "neo4j.password_env_var",
	"neo4j-password-prompt":    "neo4j.password_prompt",
	"neo4j-database":           "neo4j.database",
	"update-tag":               "sync.update_tag",
	"selected-modules":         "sync.selected_modules",
	"aws-best-effort-mode":     "aws.best_effort_mode",
	"aws-sync-all-profiles":    "aws.sync_all_profiles",
	"aws-regions":              "aws.regions",
	"github-token-env-var":     "github.token_env_var",
	"github-orgs":              "github.orgs",
	"cloudflare-token-env-var": "cloudflare.token_env_var",
	"openai-apikey-env-var":    "openai.apikey_env_var",
	"openai-org-id":            "openai.org_id",
	"analysis-job-directory":   "analysis.job_directory",
	"postgres-url":             "postgres.url",

	"aws-cloudtrail-management-events-lookback-hours": "aws.cloudtrail_management_events_lookback_hours",
}

// NewRootCmd builds the command tree. Running the root command performs one sync.
func NewRootCmd(factory ComponentFactory) *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "cartography",
		Short: "Cartography loads cloud and SaaS inventory into a Neo4j graph.",
		Long: `Cartography pulls assets and their relationships from AWS, GitHub, Cloudflare
and OpenAI, writes them to Neo4j stamped with an update tag, and removes
whatever a previous run wrote that this run did not see.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), factory, config.Get())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.Bool("verbose", false, "Enable debug logging.")
	pf.BoolP("quiet", "q", false, "Only log warnings and errors.")
	pf.String("neo4j-uri", "", "Neo4j bolt URI (default bolt://localhost:7687).")
	pf.String("neo4j-user", "", "Neo4j user. Empty disables authentication.")
	pf.String("neo4j-password-env-var", "", "Name of the env var holding the Neo4j password.")
	pf.Bool("neo4j-password-prompt", false, "Prompt for the Neo4j password on the terminal.")
	pf.String("neo4j-database", "", "Neo4j database name. Empty uses the server default.")
	pf.Int64("update-tag", 0, "Update tag to stamp on written data. Defaults to the current epoch time.")
	pf.StringSlice("selected-modules", nil, "Comma separated modules to run, in default order. Empty runs all.")
	pf.Bool("aws-best-effort-mode", false, "Keep syncing other AWS accounts when one fails.")
	pf.Bool("aws-sync-all-profiles", false, "Sync every profile in the AWS config files.")
	pf.StringSlice("aws-regions", nil, "AWS regions to sync. Empty discovers them per account.")
	pf.Int("aws-cloudtrail-management-events-lookback-hours", 0, "Hours of CloudTrail management events to aggregate. Zero disables.")
	pf.String("github-token-env-var", "", "Name of the env var holding the GitHub token.")
	pf.StringSlice("github-orgs", nil, "GitHub organizations to sync.")
	pf.String("cloudflare-token-env-var", "", "Name of the env var holding the Cloudflare API token.")
	pf.String("openai-apikey-env-var", "", "Name of the env var holding the OpenAI admin API key.")
	pf.String("openai-org-id", "", "OpenAI organization id.")
	pf.String("analysis-job-directory", "", "Directory of JSON analysis jobs to run after the syncs.")
	pf.String("postgres-url", "", "Postgres URL for the sync-run ledger. Empty disables it.")
	bindFlags(v, pf)

	rootCmd.AddCommand(newScheduleCmd(v, factory))
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// Execute runs the command tree with a context that is cancelled on interrupt.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCmd(NewComponentFactory())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// A cancelled run is reported by the exit code, not as a failure.
		if ctx.Err() == nil {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// ExitCode maps the outcome of Execute to a process exit status.
func ExitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return StatusSuccess
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return StatusKeyboardInterrupt
	default:
		return StatusFailure
	}
}

// runSync creates fresh components, runs every selected stage and releases them.
func runSync(ctx context.Context, factory ComponentFactory, cfg *config.Config) error {
	components, err := factory.Create(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()
	return components.Sync.Run(ctx, components.Session, cfg)
}

// initializeConfig reads .env, the config file and CARTOGRAPHY_ env vars, then
// validates and publishes the result.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	// Set default values so the app can run with a minimal config.
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CARTOGRAPHY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	config.Set(&cfg)

	observability.InitializeLogger(cfg.Logger)
	// The logger is created once per process; the level follows the latest config.
	if err := observability.SetLevel(cfg.Logger.EffectiveLevel()); err != nil {
		return fmt.Errorf("invalid logger.level %q: %w", cfg.Logger.Level, err)
	}
	observability.GetLogger().Debug("Configuration loaded.", zap.String("config_file", v.ConfigFileUsed()))
	return nil
}
