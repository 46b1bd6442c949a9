package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/notifycenter/internal/config"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/notify"
	"github.com/zjrosen/notifycenter/internal/watcher"
)

// ConfigListener is notified after the config file changes and still validates.
type ConfigListener interface {
	ConfigChanged(ctx context.Context, next config.Config) error
}

// levelApplier keeps the log level in step with the file.
type levelApplier struct {
	pinned bool // --debug wins over the file
}

func (a levelApplier) ConfigChanged(_ context.Context, next config.Config) error {
	if a.pinned {
		return nil
	}
	level, err := log.ParseLevel(next.Log.Level)
	if err != nil {
		return err
	}
	log.SetMinLevel(level)
	return nil
}

// reloadReporter prints what changed.
type reloadReporter struct {
	out  io.Writer
	last *config.Config
}

func (r *reloadReporter) ConfigChanged(_ context.Context, next config.Config) error {
	prev := *r.last
	fmt.Fprintf(r.out, "Reloaded config: log.level=%s bench=%d/%d/%d warning_window=%s\n",
		next.Log.Level, next.Bench.Subscribers, next.Bench.Events, next.Bench.Producers, next.Registry.WarningWindow)
	if prev.Executor != next.Executor || prev.Tracing != next.Tracing {
		fmt.Fprintln(r.out, "  executor and tracing changes apply on restart")
	}
	*r.last = next
	return nil
}

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reload the config file on change and notify listeners",
	Long: `Watch the config file and, after each change that still validates, publish the
new configuration to every registered ConfigListener through the registry.

Listeners apply what can change at runtime (log level) and report the rest.
Stop with Ctrl+C.

Examples:
  notifycenter watch
  notifycenter watch --config ./dev.yaml --debounce 1s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, &lockedWriter{w: cmd.OutOrStdout()}, cfg, configPath(), watchDebounce, 0)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watcher.DefaultDebounce, "quiet period before reloading")
	rootCmd.AddCommand(watchCmd)
}

// runWatch reloads path on change until ctx ends, or until maxReloads reloads
// have been published when maxReloads > 0.
func runWatch(ctx context.Context, out io.Writer, current config.Config, path string, debounce time.Duration, maxReloads int) error {
	rt, err := startRuntime(ctx, current)
	if err != nil {
		return err
	}
	defer rt.stop()
	reg := rt.registry

	last := current
	reg.Register(ctx, levelApplier{pinned: debug})
	reg.Register(ctx, &reloadReporter{out: out, last: &last})
	listeners, err := notify.HandleFor[ConfigListener](ctx, reg)
	if err != nil {
		return err
	}

	w, err := watcher.New(watcher.Config{Path: path, Debounce: debounce})
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	changes, err := w.Start()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s\n", path)

	reloads := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			next, err := loadConfig(path)
			if err != nil {
				log.ErrorErr(log.CatConfig, "Ignoring config change", err, "path", path)
				fmt.Fprintf(out, "Rejected change: %v\n", err)
				continue
			}
			err = listeners.Publish(ctx, func(ctx context.Context, l ConfigListener) error {
				return l.ConfigChanged(ctx, next)
			})
			if err != nil && !notify.IsDispatchError(err) {
				return err
			}
			reloads++
			if maxReloads > 0 && reloads >= maxReloads {
				return nil
			}
		}
	}
}

// loadConfig reads path into a fresh viper so the process-wide one stays untouched.
func loadConfig(path string) (config.Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("reading config: %w", err)
	}

	var next config.Config
	if err := v.Unmarshal(&next); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return config.Config{}, err
	}
	return next, nil
}
