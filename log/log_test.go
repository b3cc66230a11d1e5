//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{LevelFatal, zapcore.FatalLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		SetLevel(tt.level)
		require.Equal(t, tt.want, zapLevel.Level(), "level %q", tt.level)
	}
}

type recordingLogger struct {
	Logger
	msgs []string
}

func (r *recordingLogger) Infof(format string, args ...any) {
	r.msgs = append(r.msgs, format)
}

func TestDefaultIsReplaceable(t *testing.T) {
	old := Default
	defer func() { Default = old }()

	rec := &recordingLogger{}
	Default = rec
	Infof("hello %s", "world")
	require.Equal(t, []string{"hello %s"}, rec.msgs)
}
