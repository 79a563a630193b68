package clients

import (
	"context"
	"regexp"
	"unicode/utf8"

	"astroguard/internal/guard"
	"astroguard/internal/ports"
	"astroguard/internal/types"
)

const (
	SMSService = "sms"

	// MaxSMSLength is the longest body sent as a single concatenated message.
	MaxSMSLength = 1600
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// SMSClient sends text messages through the publisher, rate limited per user. Results are never cached.
type SMSClient struct {
	g   *guard.Guard
	pub ports.Publisher
}

func NewSMSClient(g *guard.Guard, p ports.Publisher) *SMSClient {
	return &SMSClient{g: g, pub: p}
}

// Send delivers message to phone and returns the provider message id.
// A rejected request returns *types.QuotaExceededError; there is no local substitute for a text message.
func (c *SMSClient) Send(ctx context.Context, userID, phone, message string) (string, error) {
	if !e164.MatchString(phone) {
		return "", types.Err(types.ErrInvalidInput, nil, "phone number must be E.164")
	}
	if message == "" || utf8.RuneCountInString(message) > MaxSMSLength {
		return "", types.Err(types.ErrInvalidInput, nil, "message must be 1-%d characters", MaxSMSLength)
	}
	req := guard.Request{
		Service:  SMSService,
		Endpoint: "publish",
		Method:   "SNS",
		UserID:   userID,
	}
	return guard.Call(ctx, c.g, req, func(ctx context.Context) (string, error) {
		return c.pub.PublishSMS(ctx, phone, message)
	})
}
