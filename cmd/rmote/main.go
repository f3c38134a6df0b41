package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sheol27/rmote/internal/config"
	"github.com/Sheol27/rmote/internal/sync"
	"github.com/Sheol27/rmote/internal/utils"
	"github.com/Sheol27/rmote/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "rmote",
	Short:   "Simple, fast SFTP directory mirror: local -> remote",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// create & validate config
		cfg := &config.Config{
			Path:        viper.ConfigFileUsed(),
			Host:        viper.GetString("host"),
			Port:        viper.GetInt("port"),
			User:        viper.GetString("user"),
			Identity:    viper.GetString("identity"),
			Passphrase:  viper.GetString("passphrase"),
			LocalDir:    viper.GetString("local_dir"),
			RemoteDir:   viper.GetString("remote_dir"),
			Blacklist:   viper.GetStringSlice("blacklist"),
			Debounce:    time.Duration(viper.GetInt("debounce_s")) * time.Second,
			InitialSync: !viper.GetBool("no_initial_sync"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// all good now, show header
		cmd.SilenceUsage = true
		showHeader()

		manager, err := sync.NewManager(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return manager.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().String("host", "", "Remote host (IP or DNS)")
	rootCmd.Flags().Int("port", config.DefaultPort, "Remote SSH port")
	rootCmd.Flags().StringP("user", "u", config.DefaultUser, "SSH username")
	rootCmd.Flags().StringP("identity", "i", config.DefaultIdentity, "Path to the private key")
	rootCmd.Flags().String("passphrase", "", "Optional passphrase for the private key")
	rootCmd.Flags().StringP("local-dir", "l", "", "Local directory to mirror (default: current directory)")
	rootCmd.Flags().StringP("remote-dir", "r", config.DefaultRemoteDir, "Remote base directory to mirror into (created if needed)")
	rootCmd.Flags().StringArrayP("blacklist", "x", nil, "Blacklist entry (name, path prefix or glob). May be repeated")
	rootCmd.Flags().Int("debounce", int(config.DefaultDebounce/time.Second), "Debounce window (seconds) to coalesce events")
	rootCmd.Flags().Bool("no-initial-sync", false, "Disable the full sync at startup")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "rmote config file")
}

func main() {
	// .env next to the working directory, if any
	_ = godotenv.Load()

	setupLogging()

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}

	logFile := config.DefaultLogFilePath
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
			handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		} else {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		}
	}

	slog.SetDefault(slog.New(utils.NewFanoutLogHandler(handlers...)))
}

func loadConfig(cmd *cobra.Command) error {
	// config path
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".rmote"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	// Bind flags to viper
	viper.BindPFlag("host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("user", cmd.Flags().Lookup("user"))
	viper.BindPFlag("identity", cmd.Flags().Lookup("identity"))
	viper.BindPFlag("passphrase", cmd.Flags().Lookup("passphrase"))
	viper.BindPFlag("local_dir", cmd.Flags().Lookup("local-dir"))
	viper.BindPFlag("remote_dir", cmd.Flags().Lookup("remote-dir"))
	viper.BindPFlag("blacklist", cmd.Flags().Lookup("blacklist"))
	viper.BindPFlag("debounce_s", cmd.Flags().Lookup("debounce"))
	viper.BindPFlag("no_initial_sync", cmd.Flags().Lookup("no-initial-sync"))

	// Set up environment variables
	viper.SetEnvPrefix("RMOTE")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("rmote %s\n", version.Short())
}
