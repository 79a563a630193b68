package ports

import "context"

type Publisher interface {
	PublishRaw(ctx context.Context, arn string, payload []byte) error
	// PublishSMS sends a text message to an E.164 phone number and returns the provider message id.
	PublishSMS(ctx context.Context, phoneNumber, message string) (string, error)
}
