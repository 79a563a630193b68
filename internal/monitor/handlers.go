package monitor

import (
	"context"
	"time"

	"astroguard/internal/ports"

	"github.com/goccy/go-json"
)

const publishTimeout = 5 * time.Second

// TopicHandler publishes every alert as JSON to an SNS topic.
func TopicHandler(p ports.Publisher, topicArn string) AlertHandler {
	return func(a Alert) error {
		payload, err := json.Marshal(a)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return p.PublishRaw(ctx, topicArn, payload)
	}
}
