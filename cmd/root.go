package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/app"
	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can
// substitute one that fails or hands out a canned App.
var newApp = app.NewApp

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests university ranking feeds into the unreviewed catalogue.",
		Long: `harvester is the ingestion tool for the school catalogue. It discovers
the published rankings feed, fetches and normalizes each school, and
reconciles the result against the unreviewed catalogue, enriching rows
that already exist instead of duplicating them.`,

		// Runtime failures are not usage errors.
		SilenceUsage: true,

		// Runs after config is loaded but before the subcommand's RunE,
		// so every subcommand finds a ready App in its context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		}
		config.InitConfig()
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/harvester, $HOME/.harvester)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCrawlFileCmd())
	cmd.AddCommand(newEnsureTopCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	logging.InitLogger()

	if err := newRootCmd().Execute(); err != nil {
		logging.L.Fatal("Command execution failed", zap.Error(err))
	}
}

// resolveApp pulls the App injected by PersistentPreRunE out of the
// command context.
func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
