// Copyright 2022 The gVisor Authors.
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
package log

import (
	"time"

	"golang.org/x/time/rate"
)

// DepthLogger is a Logger that can attribute a statement to a caller further
// up the stack. BasicLogger implements DepthLogger.
type DepthLogger interface {
	Logger

	DebugfAtDepth(depth int, format string, v ...any)
	InfofAtDepth(depth int, format string, v ...any)
	WarningfAtDepth(depth int, format string, v ...any)
}

// rateLimitedLogger drops statements once its token bucket is empty. Kept
// statements are attributed to the caller of Debugf, Infof or Warningf.
type rateLimitedLogger struct {
	logger DepthLogger
	limit  *rate.Limiter
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth implements DepthLogger.DebugfAtDepth.
func (rl *rateLimitedLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if rl.logger.IsLogging(Debug) && rl.limit.Allow() {
		rl.logger.DebugfAtDepth(1+depth, format, v...)
	}
}

// InfofAtDepth implements DepthLogger.InfofAtDepth.
func (rl *rateLimitedLogger) InfofAtDepth(depth int, format string, v ...any) {
	if rl.logger.IsLogging(Info) && rl.limit.Allow() {
		rl.logger.InfofAtDepth(1+depth, format, v...)
	}
}

// WarningfAtDepth implements DepthLogger.WarningfAtDepth.
func (rl *rateLimitedLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if rl.logger.IsLogging(Warning) && rl.limit.Allow() {
		rl.logger.WarningfAtDepth(1+depth, format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// shallowLogger adapts a Logger without depth support. Statements are
// attributed to the shallowLogger itself.
type shallowLogger struct {
	Logger
}

func (s shallowLogger) DebugfAtDepth(_ int, format string, v ...any) {
	s.Debugf(format, v...)
}

func (s shallowLogger) InfofAtDepth(_ int, format string, v ...any) {
	s.Infof(format, v...)
}

func (s shallowLogger) WarningfAtDepth(_ int, format string, v ...any) {
	s.Warningf(format, v...)
}

// globalLogger forwards to whatever Log returns at the time of the call, so
// that SetTarget and SetLevel apply to loggers created before them.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

func (globalLogger) DebugfAtDepth(depth int, format string, v ...any) {
	Log().DebugfAtDepth(1+depth, format, v...)
}

func (globalLogger) InfofAtDepth(depth int, format string, v ...any) {
	Log().InfofAtDepth(1+depth, format, v...)
}

func (globalLogger) WarningfAtDepth(depth int, format string, v ...any) {
	Log().WarningfAtDepth(1+depth, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// BasicRateLimitedLogger returns a DepthLogger that logs to the global logger
// no more than once per the provided duration. It follows later SetTarget and
// SetLevel calls.
func BasicRateLimitedLogger(every time.Duration) DepthLogger {
	return RateLimitedLogger(globalLogger{}, every)
}

// RateLimitedLogger returns a DepthLogger that logs to the provided logger no
// more than once per the provided duration. Statements filtered out by the
// logger's level do not consume the budget.
func RateLimitedLogger(logger Logger, every time.Duration) DepthLogger {
	dl, ok := logger.(DepthLogger)
	if !ok {
		dl = shallowLogger{logger}
	}
	return &rateLimitedLogger{
		logger: dl,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
