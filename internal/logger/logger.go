package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once     sync.Once
	instance *zap.Logger
)

// Get returns the process-wide logger. JSON to stdout so container log
// collectors can pick it up unmodified.
func Get() *zap.Logger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		built, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		instance = built
	})
	return instance
}
