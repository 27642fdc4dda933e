package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kubepulse/cmd/kubepulse/cmds"
	"kubepulse/internal/api"
	"kubepulse/internal/backends"
	"kubepulse/internal/ports"
	"kubepulse/internal/pub"
	"kubepulse/internal/settings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kubepulse",
	Short: "kubepulse - live Kubernetes resource streams",
	Long: `kubepulse keeps a registry of cluster connection bundles and serves the
resources of those clusters to UI clients as periodically refreshed
Server-Sent-Events streams.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kubepulse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("settings", "", "Path to a YAML settings file")

	serveCmd.Flags().Int("port", 0, "Listen port (overrides PORT)")
	rootCmd.AddCommand(serveCmd)

	configAddCmd.Flags().String("name", "", "Display name")
	configAddCmd.Flags().String("file", "", "Path to the kubeconfig bundle")
	_ = configAddCmd.MarkFlagRequired("name")
	_ = configAddCmd.MarkFlagRequired("file")
	configUpdateCmd.Flags().String("name", "", "Display name")
	configUpdateCmd.Flags().String("file", "", "Path to the kubeconfig bundle")
	_ = configUpdateCmd.MarkFlagRequired("name")
	_ = configUpdateCmd.MarkFlagRequired("file")
	configCmd.AddCommand(configAddCmd, configUpdateCmd, configListCmd, configGetCmd, configDeleteCmd)
	rootCmd.AddCommand(configCmd)
}

func loadSettings(cmd *cobra.Command) (settings.Settings, error) {
	path, _ := cmd.Flags().GetString("settings")
	st, err := settings.Load(path)
	if err != nil {
		return st, err
	}
	settings.ConfigureLogging(st.LogLevel, st.LogJSON)
	return st, st.Validate()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			st.Port = port
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		store, err := backends.StoreFromSettings(ctx, st)
		if err != nil {
			return err
		}
		var publisher ports.Publisher
		if st.SNSTopicARN != "" {
			p, err := pub.NewSNSFromEnv(ctx)
			if err != nil {
				return err
			}
			publisher = p
		}
		app, err := api.NewApp(ctx, st, store, nil, publisher)
		if err != nil {
			_ = store.Close()
			return err
		}
		app.Start(ctx)
		defer func() {
			if err := app.Close(); err != nil {
				log.WithError(err).Warn("Failed to close store")
			}
		}()

		stop, done := api.RunServerInterruptible(st.Port, app.Handler.Router())
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			close(stop)
			return <-done
		case err := <-done:
			return err
		}
	},
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored cluster bundles",
}

var configAddCmd = &cobra.Command{
	Use:   "add --name NAME --file KUBECONFIG",
	Short: "Store a new cluster bundle",
	RunE: withConfigs(func(cmd *cobra.Command, args []string, env *cmds.Env) error {
		name, _ := cmd.Flags().GetString("name")
		file, _ := cmd.Flags().GetString("file")
		return cmds.AddConfig(cmd.Context(), env, name, file)
	}),
}

var configUpdateCmd = &cobra.Command{
	Use:   "update ID --name NAME --file KUBECONFIG",
	Short: "Replace a stored cluster bundle",
	Args:  cobra.ExactArgs(1),
	RunE: withConfigs(func(cmd *cobra.Command, args []string, env *cmds.Env) error {
		name, _ := cmd.Flags().GetString("name")
		file, _ := cmd.Flags().GetString("file")
		return cmds.UpdateConfig(cmd.Context(), env, args[0], name, file)
	}),
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored cluster bundles",
	RunE: withConfigs(func(cmd *cobra.Command, args []string, env *cmds.Env) error {
		return cmds.ListConfigs(cmd.Context(), env)
	}),
}

var configGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one stored cluster bundle",
	Args:  cobra.ExactArgs(1),
	RunE: withConfigs(func(cmd *cobra.Command, args []string, env *cmds.Env) error {
		return cmds.GetConfig(cmd.Context(), env, args[0])
	}),
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a stored cluster bundle",
	Args:  cobra.ExactArgs(1),
	RunE: withConfigs(func(cmd *cobra.Command, args []string, env *cmds.Env) error {
		return cmds.DeleteConfig(cmd.Context(), env, args[0])
	}),
}

// withConfigs opens the configured store around a config subcommand.
func withConfigs(run func(cmd *cobra.Command, args []string, env *cmds.Env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		store, err := backends.StoreFromSettings(cmd.Context(), st)
		if err != nil {
			return err
		}
		env, err := cmds.Open(cmd.Context(), store, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()
		return run(cmd, args, env)
	}
}
