// Package cmd contains the sealtalk command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sealtalk/config"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sealtalk",
	Short: "End-to-end encrypted messaging client and development relay",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLog(viper.GetString(logLevelFlag), viper.GetBool(logJSONFlag))
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String(logLevelFlag, "info",
		"Log level: trace, debug, info, warn, error")
	viper.BindPFlag(logLevelFlag, rootCmd.PersistentFlags().Lookup(logLevelFlag))

	rootCmd.PersistentFlags().Bool(logJSONFlag, false,
		"Emit logs as JSON")
	viper.BindPFlag(logJSONFlag, rootCmd.PersistentFlags().Lookup(logJSONFlag))

	rootCmd.PersistentFlags().String(dataDirFlag, "",
		"Application data directory (overrides "+config.DataDirEnv+")")
	viper.BindPFlag(dataDirFlag, rootCmd.PersistentFlags().Lookup(dataDirFlag))

	rootCmd.PersistentFlags().String(envFileFlag, ".env",
		"Optional .env file with endpoint overrides")
	viper.BindPFlag(envFileFlag, rootCmd.PersistentFlags().Lookup(envFileFlag))

	rootCmd.PersistentFlags().StringP(userFlag, "u", "",
		"Username to act as, e.g. alice or alice@dev (defaults to the last signed-in user)")
	viper.BindPFlag(userFlag, rootCmd.PersistentFlags().Lookup(userFlag))

	rootCmd.PersistentFlags().Bool(discoverFlag, false,
		"Look up a relay over mDNS for the dev environment")
	viper.BindPFlag(discoverFlag, rootCmd.PersistentFlags().Lookup(discoverFlag))

	rootCmd.PersistentFlags().Duration(timeoutFlag, 30*time.Second,
		"Timeout of one client operation")
	viper.BindPFlag(timeoutFlag, rootCmd.PersistentFlags().Lookup(timeoutFlag))
}

// initConfig loads the .env file and applies the data directory override
// before any command resolves paths.
func initConfig() {
	viper.SetEnvPrefix("SEALTALK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := config.LoadDotEnv(viper.GetString(envFileFlag)); err != nil {
		logrus.WithError(err).Warn("ignoring env file")
	}
	if dir := viper.GetString(dataDirFlag); dir != "" {
		if err := os.Setenv(config.DataDirEnv, dir); err != nil {
			logrus.Fatalf("set data directory: %+v", err)
		}
	}
}

// initLog configures the standard logrus logger.
func initLog(level string, asJSON bool) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	logrus.SetOutput(os.Stderr)
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
