package pub

import (
	"context"
	"errors"
	"os"
	"testing"

	"kubepulse/internal/types"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresTopic(t *testing.T) {
	p := NewSNS(sns.New(sns.Options{Region: "us-east-1"}))
	err := p.PublishRaw(context.Background(), "", []byte("{}"))
	assert.True(t, errors.Is(err, types.ErrValidation))
}

// TestPublishToMock requires an SNS mock at TEST_SNS_ENDPOINT and an existing topic at TEST_SNS_TOPIC.
func TestPublishToMock(t *testing.T) {
	ep, topic := os.Getenv("TEST_SNS_ENDPOINT"), os.Getenv("TEST_SNS_TOPIC")
	if ep == "" || topic == "" {
		t.Skip("TEST_SNS_ENDPOINT or TEST_SNS_TOPIC not set")
	}
	t.Setenv(SNSEndpointKey, ep)
	p, err := NewSNSFromEnv(context.Background())
	require.NoError(t, err)
	assert.NoError(t, p.PublishRaw(context.Background(), topic, []byte(`{"type":"config.added"}`)))
}
