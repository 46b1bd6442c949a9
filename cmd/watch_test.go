package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/notifycenter/internal/config"
)

func TestLoadConfig_DefaultsFillGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\nbench:\n  events: 5\n"), 0o600))

	got, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "warn", got.Log.Level)
	require.Equal(t, 5, got.Bench.Events)
	require.Equal(t, config.Defaults().Bench.Subscribers, got.Bench.Subscribers)
	require.Equal(t, config.Defaults().Registry.WarningWindow, got.Registry.WarningWindow)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

	_, err := loadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "log.level")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "gone.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config")
}

func TestRunWatch_PublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config.DefaultConfigTemplate()), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, out, config.Defaults(), path, 20*time.Millisecond, 1)
	}()

	// The watcher starts asynchronously; keep saving until a reload lands.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Contains(t, out.String(), "Watching "+path)
			require.Contains(t, out.String(), "Reloaded config: log.level=warn bench=100/10000/4 warning_window=30s")
			require.NotContains(t, out.String(), "apply on restart")
			return
		case <-ticker.C:
			require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
		case <-ctx.Done():
			t.Fatal("no reload published before timeout")
		}
	}
}

func TestRunWatch_ReportsRestartOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config.DefaultConfigTemplate()), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, out, config.Defaults(), path, 20*time.Millisecond, 1)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Contains(t, out.String(), "executor and tracing changes apply on restart")
			return
		case <-ticker.C:
			require.NoError(t, os.WriteFile(path, []byte("executor:\n  queue_capacity: 64\n"), 0o600))
		case <-ctx.Done():
			t.Fatal("no reload published before timeout")
		}
	}
}
