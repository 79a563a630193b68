package api

import (
	"context"
	"errors"
	"fmt"

	"astroguard/internal/clients"
	"astroguard/internal/types"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// GuidanceMessage is the body of a queued daily guidance request.
type GuidanceMessage struct {
	UserID string               `json:"user_id"`
	Phone  string               `json:"phone"`
	Birth  clients.BirthDetails `json:"birth"`
}

// Worker sends the daily guidance of one user per SQS message.
type Worker struct {
	App *App
}

func NewWorker(app *App) *Worker {
	return &Worker{App: app}
}

// HandleSQSEvent processes a batch and reports the messages to retry.
// Quota rejections and invalid messages are dropped, retrying them cannot succeed before the window resets.
func (wk *Worker) HandleSQSEvent(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	log.Infof("Processing batch of %d messages", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure
	for _, record := range sqsEvent.Records {
		err := wk.processMessage(ctx, record)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrQuotaExceeded), errors.Is(err, types.ErrInvalidInput):
			log.WithError(err).WithField("messageID", record.MessageId).Warn("Message dropped")
		default:
			log.WithError(err).Errorf("Failed to process message %s", record.MessageId)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	return events.SQSEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

func (wk *Worker) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg GuidanceMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		return types.Err(types.ErrInvalidInput, err, "parse message body")
	}
	if msg.UserID == "" {
		return types.Err(types.ErrInvalidInput, nil, "missing user_id")
	}

	log.WithFields(log.Fields{
		"userID":    msg.UserID,
		"messageID": record.MessageId,
	}).Debug("Processing message")

	chart, err := wk.App.Astrology.NatalChart(ctx, msg.UserID, msg.Birth)
	if err != nil {
		return fmt.Errorf("natal chart: %w", err)
	}
	g, err := wk.App.Guidance.Daily(ctx, msg.UserID, chart)
	if err != nil {
		return fmt.Errorf("guidance: %w", err)
	}
	id, err := wk.App.SMS.Send(ctx, msg.UserID, msg.Phone, g.Text)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}

	log.WithFields(log.Fields{
		"userID":    msg.UserID,
		"messageID": record.MessageId,
		"smsID":     id,
		"fallback":  g.Fallback,
	}).Info("Guidance sent")
	return nil
}
