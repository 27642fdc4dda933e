package ports

import "context"

// Publisher delivers a raw notification payload to a topic.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}
