package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "default config valid", cfg: NewDefaultConfig(), wantErr: false},
		{name: "console format valid", cfg: &Config{Format: "console"}, wantErr: false},
		{name: "unknown format rejected", cfg: &Config{Format: "yaml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&Config{Level: zapcore.DebugLevel, Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	child := logger.Named("test").With()
	assert.NotNil(t, child)
}

func TestNewLoggerInvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Format: "bogus"})
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithTaskID(ctx, "task-123")
	ctx = WithClientID(ctx, "client-9")
	ctx = WithRequestID(ctx, "req-1")

	fields := ContextFields(ctx)
	assert.Len(t, fields, 3)
	assert.Equal(t, "task-123", TaskID(ctx))
	assert.Equal(t, "client-9", ClientID(ctx))
}

func TestFromContextFallback(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}
