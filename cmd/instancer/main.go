package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuemby/instancer/pkg/config"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	v       = viper.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "instancer",
	Short: "Per-team challenge instances on Docker",
	Long: `instancer starts isolated, short-lived copies of CTF challenges for each
team on a single Docker host, routes them through Traefik and removes them
when their lifetime runs out.

All state lives in container and network labels: the instancer can be
restarted at any time without losing track of running instances.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"instancer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(catalogCmd)
}

// loadConfig loads and validates the configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)
	return cfg, nil
}

// decodeConfig is loadConfig for commands that do not touch instances
func decodeConfig() (*config.Config, error) {
	cfg, err := config.Decode(v, cfgFile)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
}
