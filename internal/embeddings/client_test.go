package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: Config{Model: "text-embedding-3-large", APIKey: "key"},
		},
		{
			name:    "missing model",
			config:  Config{APIKey: "key"},
			wantErr: true,
		},
		{
			name:    "missing api key",
			config:  Config{Model: "text-embedding-3-large"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAllBlank(t *testing.T) {
	assert.True(t, allBlank(nil))
	assert.True(t, allBlank([]string{"", "  ", "\t\n"}))
	assert.False(t, allBlank([]string{"", "hello"}))
}

func TestEmbedDocumentsRejectsBlankInput(t *testing.T) {
	svc, err := NewService(Config{
		Model:   "text-embedding-3-large",
		APIKey:  "test-key",
		Timeout: time.Second,
	})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedDocuments(context.Background(), []string{"", "   ", "\n"})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedQueryRejectsEmptyInput(t *testing.T) {
	svc, err := NewService(Config{
		Model:   "text-embedding-3-large",
		APIKey:  "test-key",
		Timeout: time.Second,
	})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}
