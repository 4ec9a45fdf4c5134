// Package cmd defines and implements the CLI commands for the sitescribe
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/app"
	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/config"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface that commands use. Keeping it an
// interface lets tests inject a mock app.
type App interface {
	Close()
	RunID() string
	Config() config.Config
	Logger() *zap.Logger
	Store() checkpoint.Store
	Summarizer() summarize.Summarizer
}

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command and its shared Viper
// instance.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SITESCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:   "sitescribe",
		Short: "Crawl a website and generate an llms.txt manifest.",
		Long: `sitescribe recursively crawls a website, summarizes each discovered page
with an LLM, and assembles the summaries into a deduplicated llms.txt
manifest. Progress is checkpointed, so an interrupted run resumes where it
left off without re-summarizing finished pages.`,

		// Runs after flags are parsed but before the subcommand's RunE:
		// the right place to decode config and build the service container.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := readConfigFile(v); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml)")

	cmd.AddCommand(newGenerateCmd(v))

	return cmd
}

func readConfigFile(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Execute is the main entry point. It installs signal-driven cancellation so
// an interrupt unwinds the pipeline through context cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
