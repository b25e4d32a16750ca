package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/burrowstack/burrow/cmd/core"
	cmdvm "github.com/burrowstack/burrow/cmd/vm"
	"github.com/burrowstack/burrow/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow - LXD virtual machine control layer",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("socket", "", "LXD unix socket path")
	cmd.PersistentFlags().String("project", "", "LXD project")
	cmd.PersistentFlags().String("bridge", "", "host bridge for instance NICs")
	cmd.PersistentFlags().String("storage-pool", "", "storage pool for root disks")
	cmd.PersistentFlags().String("data-dir", "", "state and lock file directory")

	_ = viper.BindPFlag("socket_path", cmd.PersistentFlags().Lookup("socket"))
	_ = viper.BindPFlag("project", cmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("bridge", cmd.PersistentFlags().Lookup("bridge"))
	_ = viper.BindPFlag("storage_pool", cmd.PersistentFlags().Lookup("storage-pool"))
	_ = viper.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))

	viper.SetEnvPrefix("BURROW")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }

	h := cmdvm.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}
	cmd.AddCommand(cmdvm.Commands(h)...)

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.CreateTimeoutSeconds <= 0 {
		conf.CreateTimeoutSeconds = 600 //nolint:mnd
	}
	if conf.StateChangeTimeoutSeconds <= 0 {
		conf.StateChangeTimeoutSeconds = 60 //nolint:mnd
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
