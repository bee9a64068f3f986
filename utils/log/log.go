// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps a global zap.SugaredLogger used by packages which do not
// take an injected logger.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines log configuration.
type Config struct {
	Level       zapcore.Level `yaml:"level"`
	Disable     bool          `yaml:"disable"`
	ServiceName string        `yaml:"service_name"`
	Path        string        `yaml:"path"`
	Encoding    string        `yaml:"encoding"`
}

func (c Config) applyDefaults() Config {
	if c.Path == "" {
		c.Path = "stderr"
	}
	if c.Encoding == "" {
		c.Encoding = "console"
	}
	return c
}

// New creates a logger that is not default.
func New(c Config, fields map[string]interface{}) (*zap.Logger, error) {
	c = c.applyDefaults()
	if c.Disable {
		return zap.NewNop(), nil
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if c.ServiceName != "" {
		fields["service_name"] = c.ServiceName
	}
	return zap.Config{
		Level: zap.NewAtomicLevelAt(c.Level),
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: c.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			NameKey:        "logger_name",
			LevelKey:       "level",
			TimeKey:        "ts",
			CallerKey:      "caller",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:   []string{c.Path},
		InitialFields: fields,
	}.Build()
}

var (
	mu            sync.Mutex
	defaultLogger *zap.SugaredLogger
)

func init() {
	ConfigureLogger(zap.NewProductionConfig())
}

// ConfigureLogger configures a global zap logger instance.
func ConfigureLogger(config zap.Config) *zap.SugaredLogger {
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	SetGlobalLogger(logger.Sugar())
	return defaultLogger
}

// SetGlobalLogger sets the global logger.
func SetGlobalLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// Default returns the global logger.
func Default() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// Debug uses the default logger to log args at debug level.
func Debug(args ...interface{}) {
	Default().Debug(args...)
}

// Info uses the default logger to log args at info level.
func Info(args ...interface{}) {
	Default().Info(args...)
}

// Warn uses the default logger to log args at warn level.
func Warn(args ...interface{}) {
	Default().Warn(args...)
}

// Error uses the default logger to log args at error level.
func Error(args ...interface{}) {
	Default().Error(args...)
}

// Debugf uses the default logger to log a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	Default().Debugf(format, args...)
}

// Infof uses the default logger to log a formatted message at info level.
func Infof(format string, args ...interface{}) {
	Default().Infof(format, args...)
}

// Warnf uses the default logger to log a formatted message at warn level.
func Warnf(format string, args ...interface{}) {
	Default().Warnf(format, args...)
}

// Errorf uses the default logger to log a formatted message at error level.
func Errorf(format string, args ...interface{}) {
	Default().Errorf(format, args...)
}

// Fatalf uses the default logger to log a formatted message at fatal level.
func Fatalf(format string, args ...interface{}) {
	Default().Fatalf(format, args...)
}

// With returns the default logger with the given keys and values added.
func With(args ...interface{}) *zap.SugaredLogger {
	return Default().With(args...)
}
