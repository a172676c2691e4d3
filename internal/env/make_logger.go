package env

import (
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func MakeLogger(conf *Config) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logConfig.Encoding = "json"

	if conf != nil {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(conf.LogLevel)); err != nil {
			return nil, fmt.Errorf("Invalid log level %q: %w", conf.LogLevel, err)
		}

		logConfig.Level = zap.NewAtomicLevelAt(level)

		if conf.LogEncoding != "" {
			logConfig.Encoding = conf.LogEncoding
		}
	}

	return logConfig.Build()
}
