package mock

import "livetrader/internal/core"

// NopLogger is a no-op core.ILogger for tests
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{}) {}
func (NopLogger) Info(msg string, fields ...interface{})  {}
func (NopLogger) Warn(msg string, fields ...interface{})  {}
func (NopLogger) Error(msg string, fields ...interface{}) {}
func (NopLogger) Fatal(msg string, fields ...interface{}) {}

func (l NopLogger) WithField(key string, value interface{}) core.ILogger { return l }

func (l NopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
