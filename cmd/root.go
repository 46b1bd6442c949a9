package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/notifycenter/internal/config"
	"github.com/zjrosen/notifycenter/internal/log"
)

var (
	version  = "dev"
	cfgFile  string
	debug    bool
	cfg      config.Config
	closeLog func()
)

var rootCmd = &cobra.Command{
	Use:   "notifycenter",
	Short: "A type-keyed notification registry driven by an affinity loop",
	Long: `notifycenter demonstrates and measures a notification registry whose state is
owned by a single affinity loop. Subscribers register once and are attached to
every contract they implement, including contracts first requested later.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
			closeLog = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/notifycenter/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"log at debug level")
	rootCmd.PersistentFlags().String("log-file", "",
		"write logs to this file instead of stderr")

	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// setDefaults registers every config key on v so env overrides and Unmarshal see them.
func setDefaults(v *viper.Viper) {
	defaults := config.Defaults()
	v.SetDefault("executor.queue_capacity", defaults.Executor.QueueCapacity)
	v.SetDefault("executor.slow_task_threshold", defaults.Executor.SlowTaskThreshold)
	v.SetDefault("executor.log_tasks", defaults.Executor.LogTasks)
	v.SetDefault("registry.warning_window", defaults.Registry.WarningWindow)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	v.SetDefault("bench.subscribers", defaults.Bench.Subscribers)
	v.SetDefault("bench.events", defaults.Bench.Events)
	v.SetDefault("bench.producers", defaults.Bench.Producers)

	v.SetEnvPrefix("NOTIFYCENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func initConfig() {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .notifycenter/config.yaml (current directory)
		// 2. ~/.config/notifycenter/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "notifycenter"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// A missing config file is fine: defaults and env apply.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

const localConfigPath = ".notifycenter/config.yaml"

// configPath is where config changes are written back.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return localConfigPath
}

// setup validates the loaded config and starts logging.
func setup(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Log.File != "" {
		cleanup, err := log.Init(cfg.Log.File)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		closeLog = cleanup
	} else {
		log.InitWriter(cmd.ErrOrStderr())
	}

	level := log.LevelInfo
	if cfg.Log.Level != "" {
		level, _ = log.ParseLevel(cfg.Log.Level)
	}
	if debug {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug(log.CatConfig, "Loaded config", "path", used)
	}
	return nil
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
