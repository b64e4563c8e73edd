// Command kvschema opens, upgrades and inspects schema-aware key-value stores.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "KVSCHEMA"

var conf = viper.New()

var rootCmd = &cobra.Command{
	Use:   "kvschema",
	Short: "Open, upgrade and inspect schema-aware key-value stores",
	Long: `
kvschema manages SQLite key-value stores whose values may be governed by a JSON
schema. Opening a store brings its tables to the current structural version and
its stored schema, values and indexes in line with the schema given by --schema.
Every upgrade runs in one transaction: it either completes or leaves the store
untouched.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("db", "kv.db", "Path of the SQLite database file.")
	flags.String("schema", "", "Path of a schema file. Empty opens the store without a schema.")
	flags.Bool("verbose", false, "Log at debug level in development format.")
	flags.String("config", "", "Configuration file. Flags and "+envPrefix+"_* environment variables take precedence.")
	if err := conf.BindPFlags(flags); err != nil {
		panic(err)
	}
	conf.SetEnvPrefix(envPrefix)
	conf.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	conf.AutomaticEnv()

	cobra.OnInitialize(func() {
		cfg := conf.GetString("config")
		if cfg == "" {
			return
		}
		conf.SetConfigFile(cfg)
		if err := conf.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading config %s: %v\n", cfg, err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(upgradeCmd, inspectCmd, compareCmd, putCmd, getCmd, deleteCmd)
}

func newLogger() (*zap.Logger, error) {
	if conf.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
