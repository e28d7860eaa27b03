// Copyright 2015 Matthew Holt and The Caddy Authors
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

package openworld

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is one of the levels the configuration surface accepts:
// trace, debug, info, warn, error. zap has no "trace" level, so it is
// mapped onto Debug, one notch more verbose than Debug's own usual
// meaning but the closest fit in zap's level set.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) zapLevel() (zapcore.Level, error) {
	switch l {
	case "", LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelTrace, LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unrecognized log level: %s", l)
	}
}

// NewLogger builds the process-wide structured logger for the given
// configured level. It always writes JSON-encoded entries to stderr,
// matching the teacher's default production log (console/JSON
// encoder, stderr sink) since the core owns no other logging
// backends; shipping logs elsewhere is the job of the external
// logging/packaging collaborator named in spec §1.
func NewLogger(level LogLevel) (*zap.Logger, error) {
	zl, err := level.zapLevel()
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zl,
	)
	return zap.New(core), nil
}

// Log returns the current process-wide logger. SetLog installs a new
// one; components should call Log() rather than cache the pointer
// across a config reload.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLog installs logger as the process-wide default. Engine calls
// this during construction once the configured level is known.
func SetLog(logger *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = logger
}

var (
	defaultLogger, _ = NewLogger(LogLevelInfo)
	defaultLoggerMu  sync.RWMutex
)
