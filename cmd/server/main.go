package main

import (
	"fmt"
	"os"

	"github.com/kokukuma/mdoc-presentment/internal/config"
	"github.com/kokukuma/mdoc-presentment/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	conf    = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mdoc-presentment",
	Short: "Holder and verifier server for mdoc and SD-JWT presentment",
	Long: `mdoc-presentment serves a Digital Credentials API verifier and a wallet
bridge that answers its requests from a credential store.

Configuration comes from flags, PRESENTMENT_ environment variables
(e.g. PRESENTMENT_SERVER_ADDRESS) and an optional YAML file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	flags.String(config.FlagName("log.level"), "info", "log level (trace, debug, info, warn, error)")
	flags.String(config.FlagName("log.format"), logging.FormatText, "log format (text or json)")
	flags.String(config.FlagName("store.path"), "", "bolt database holding the credentials; empty keeps them in memory")
	flags.String(config.FlagName("pki.dir"), "pki", "directory of the issuing authority and trusted roots")

	rootCmd.AddCommand(serveCmd, seedCmd)
}

// loadConfig reads the configuration for cmd and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.BindFlags(conf, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Load(conf, cfgFile)
	if err != nil {
		return nil, err
	}
	if _, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}
