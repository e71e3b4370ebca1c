package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/soulseekd/soulseekd/internal/logger"
)

// Watch reloads the configuration file whenever it changes on disk and
// delivers each successfully validated snapshot to onChange. Invalid edits
// are logged and discarded; the previous configuration stays in force.
//
// The watcher runs until ctx is cancelled. onChange is called from the
// watcher goroutine and must not block for long.
func Watch(ctx context.Context, configPath string, onChange func(*Config)) error {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	v := viper.New()
	setupViper(v, configPath)
	if _, err := readConfigFile(v); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	v.OnConfigChange(func(fsnotify.Event) {
		select {
		case reload <- struct{}{}:
		default:
		}
	})
	v.WatchConfig()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
			}

			cfg, err := Load(configPath)
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", logger.Err(err))
				continue
			}
			logger.Info("Configuration file changed, applying")
			onChange(cfg)
		}
	}()
	return nil
}
