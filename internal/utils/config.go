package utils

import (
	"context"
	"os"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

const (
	WatchConfigFileChangesInterval = 15 * time.Second

	ShortUUIDAlphabet = "123456789abcdefghijkmnopqrstuvwxy"
)

func LoadConfigFromFile[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, target)
}

// WatchConfigFileChanges polls a file and sends its content through the returned channel
// whenever the modification time moves forward. The first poll always delivers the content.
// A non-positive interval means WatchConfigFileChangesInterval.
func WatchConfigFileChanges(ctx context.Context, filename string, interval time.Duration) (<-chan []byte, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = WatchConfigFileChangesInterval
	}

	ch := make(chan []byte, 1)
	var lastModTime time.Time
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				log.FromContext(ctx).Info("stopping config file watcher", "filename", filename)
				return
			case <-ticker.C:
				lastModTime = checkFileUpdated(ctx, filename, lastModTime, ch)
			}
		}
	}()

	return ch, nil
}

func checkFileUpdated(ctx context.Context, filename string, lastModTime time.Time, ch chan []byte) time.Time {
	logger := log.FromContext(ctx)
	fileInfo, err := os.Stat(filename)
	if err != nil {
		logger.Error(err, "unable to stat config file", "filename", filename)
		return lastModTime
	}

	currentModTime := fileInfo.ModTime()
	if !currentModTime.After(lastModTime) {
		return lastModTime
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		logger.Error(err, "unable to read config file", "filename", filename)
		return lastModTime
	}

	select {
	case ch <- data:
	case <-ctx.Done():
		return lastModTime
	}
	logger.V(1).Info("config file loaded/reloaded", "filename", filename)
	return currentModTime
}

func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func NewShortID(length int) string {
	id := shortuuid.NewWithAlphabet(ShortUUIDAlphabet)
	if length >= len(id) {
		return id
	}
	return id[:length]
}

func IsDebugMode() bool {
	return os.Getenv("DEBUG") == "true"
}
