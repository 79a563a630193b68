package pub

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/suite"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type SNSTestSuite struct {
	suite.Suite
}

func TestSNSTestSuite(t *testing.T) {
	suite.Run(t, new(SNSTestSuite))
}

func (s *SNSTestSuite) TestPublishRawTargetsTopic() {
	f := &fakeSNS{}
	p := NewSNS(f)
	s.NoError(p.PublishRaw(context.Background(), "arn:aws:sns:us-east-1:1:alerts", []byte(`{"a":1}`)))
	s.Require().Len(f.inputs, 1)
	s.Equal("arn:aws:sns:us-east-1:1:alerts", aws.ToString(f.inputs[0].TopicArn))
	s.Equal(`{"a":1}`, aws.ToString(f.inputs[0].Message))
	s.Nil(f.inputs[0].PhoneNumber)
}

func (s *SNSTestSuite) TestPublishSMS() {
	f := &fakeSNS{}
	id, err := NewSNS(f).PublishSMS(context.Background(), "+15550100", "Mercury is in retrograde")
	s.NoError(err)
	s.Equal("msg-1", id)
	s.Equal("+15550100", aws.ToString(f.inputs[0].PhoneNumber))
	s.Nil(f.inputs[0].TopicArn)

	f.err = errors.New("throttled")
	_, err = NewSNS(f).PublishSMS(context.Background(), "+15550100", "x")
	s.Error(err)
}
