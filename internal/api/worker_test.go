package api

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
)

func guidanceRecord(id, body string) events.SQSMessage {
	return events.SQSMessage{MessageId: id, Body: body}
}

const validGuidanceBody = `{"user_id":"u1","phone":"+447700900123",
	"birth":{"datetime":"1990-08-05T14:30:00Z","latitude":51.5,"longitude":-0.12}}`

func (s *HandlerTestSuite) TestWorkerDropsUnretryableMessages() {
	resp, err := NewWorker(s.app).HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		guidanceRecord("m1", validGuidanceBody),
		guidanceRecord("m2", `not json`),
		guidanceRecord("m3", `{"phone":"+447700900123"}`),
		// same user again inside the SMS window
		guidanceRecord("m4", validGuidanceBody),
	}})
	s.NoError(err)
	s.Empty(resp.BatchItemFailures)
	s.EqualValues(1, s.publisher.sent.Load())
}

func (s *HandlerTestSuite) TestWorkerReportsRetryableFailures() {
	s.publisher.fail.Store(true)
	resp, err := NewWorker(s.app).HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		guidanceRecord("m1", validGuidanceBody),
	}})
	s.NoError(err)
	s.Require().Len(resp.BatchItemFailures, 1)
	s.Equal("m1", resp.BatchItemFailures[0].ItemIdentifier)
}
