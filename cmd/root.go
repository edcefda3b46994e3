package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Manager node for a decentralized task marketplace",
	Long: `taskmesh runs a manager node: it onboards workers over libp2p,
hands tasks out round-robin, tracks each task through its lifecycle,
and settles completed work through zero-knowledge payment proofs.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .taskmesh/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("port", defaults.Port)
	viper.SetDefault("auto_manage", defaults.AutoManage)
	viper.SetDefault("listen", defaults.Listen)
	viper.SetDefault("announce", defaults.Announce)
	viper.SetDefault("payment_batch_size", defaults.PaymentBatchSize)
	viper.SetDefault("require_access_codes", defaults.RequireAccessCodes)
	viper.SetDefault("payment_account", defaults.PaymentAccount)
	viper.SetDefault("with_admin", defaults.WithAdmin)
	viper.SetDefault("admin_port", defaults.AdminPort)
	viper.SetDefault("private_key", defaults.PrivateKey)
	viper.SetDefault("verification_key_file", defaults.VerificationKeyFile)
	viper.SetDefault("access_code_file", defaults.AccessCodeFile)
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("task_acceptance_time", defaults.TaskAcceptanceTime)
	viper.SetDefault("tick_interval", defaults.TickInterval)
	viper.SetDefault("drain_timeout", defaults.DrainTimeout)
	viper.SetDefault("blacklist_cycles", defaults.BlacklistCycles)
	viper.SetDefault("max_proof_failures", defaults.MaxProofFailures)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("log_file", defaults.LogFile)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .taskmesh/config.yaml (current directory)
		// 2. ~/.config/taskmesh/config.yaml (user config)
		if _, err := os.Stat(".taskmesh/config.yaml"); err == nil {
			viper.SetConfigFile(".taskmesh/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "taskmesh"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .taskmesh/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".taskmesh/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
