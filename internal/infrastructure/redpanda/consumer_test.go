package redpanda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConsumerConfig_Options(t *testing.T) {
	opts, err := DefaultConsumerConfig().options(zap.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	tests := []struct {
		name    string
		mutate  func(*ConsumerConfig)
		wantErr string
	}{
		{"latest", func(c *ConsumerConfig) { c.StartOffset = "latest" }, ""},
		{"default offset", func(c *ConsumerConfig) { c.StartOffset = "" }, ""},
		{"client id", func(c *ConsumerConfig) { c.ClientID = "safety-worker" }, ""},
		{"unknown offset", func(c *ConsumerConfig) { c.StartOffset = "yesterday" }, `unsupported start offset "yesterday"`},
		{"no group", func(c *ConsumerConfig) { c.GroupID = "" }, "consumer group and topics are required"},
		{"no topics", func(c *ConsumerConfig) { c.Topics = nil }, "consumer group and topics are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConsumerConfig()
			tt.mutate(&cfg)
			_, err := cfg.options(zap.NewNop())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil)
	assert.EqualError(t, err, "message handler is required")
}
