package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags, following xataio-pgroll's
// cmd/root.go Version var convention.
var Version = "development"

func init() {
	viper.SetEnvPrefix("ONTOGRAPH")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("dsn", "ontograph.db", "storage connection string: sqlite:///path, bare path, or s3://bucket/prefix")
	rootCmd.PersistentFlags().String("namespace", "default", "namespace to operate on")
	rootCmd.PersistentFlags().String("event-dsn", "ontograph-events.db", "sqlite dsn for the durable event queue")
	rootCmd.PersistentFlags().String("config", "", "path to a config file (yaml/json/toml) read by viper")

	viper.BindPFlag("DSN", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("NAMESPACE", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("EVENT_DSN", rootCmd.PersistentFlags().Lookup("event-dsn"))

	cobra.OnInitialize(func() {
		if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			_ = viper.ReadInConfig() // a missing or unreadable config file is ignored; flags, env and defaults still apply
		}
	})
}

var rootCmd = &cobra.Command{
	Use:          "ontoctl",
	Short:        "Administer an ontograph namespace: inspect, export/import, query, migrate and manage its event queue",
	SilenceUsage: true,
	Version:      Version,
}

func dsn() string       { return viper.GetString("DSN") }
func namespace() string { return viper.GetString("NAMESPACE") }
func eventDSN() string  { return viper.GetString("EVENT_DSN") }

// Execute registers every subcommand and runs the root command.
func Execute() error {
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(commitsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(eventsCmd())
	return rootCmd.Execute()
}
