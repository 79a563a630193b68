package ddb

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/suite"
)

// lostPutAPI plays a peer that creates the window between our first update and our put.
// Calls it does not script panic through the nil embedded API.
type lostPutAPI struct {
	API

	peer    windowItem
	updates int
	gets    int
}

func (a *lostPutAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	a.updates++
	if a.updates == 1 {
		return nil, &ddbTypes.ConditionalCheckFailedException{}
	}
	var limit int
	if err := attributevalue.Unmarshal(in.ExpressionAttributeValues[":max"], &limit); err != nil {
		return nil, err
	}
	if a.peer.Count >= limit {
		return nil, &ddbTypes.ConditionalCheckFailedException{}
	}
	a.peer.Count++
	av, err := attributevalue.MarshalMap(a.peer)
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: av}, nil
}

func (a *lostPutAPI) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, &ddbTypes.ConditionalCheckFailedException{}
}

func (a *lostPutAPI) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	a.gets++
	av, err := attributevalue.MarshalMap(a.peer)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: av}, nil
}

type FreshWindowRaceTestSuite struct {
	suite.Suite

	now time.Time
}

func TestFreshWindowRaceTestSuite(t *testing.T) {
	suite.Run(t, new(FreshWindowRaceTestSuite))
}

func (s *FreshWindowRaceTestSuite) SetupTest() {
	s.now = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
}

func (s *FreshWindowRaceTestSuite) peerWindow(count int) windowItem {
	return windowItem{
		PK:         pkRate("sms"),
		SK:         skWin("u1"),
		Identifier: "u1",
		Count:      count,
		ResetAt:    s.now.Add(time.Minute).UnixMilli(),
	}
}

func (s *FreshWindowRaceTestSuite) TestLoserCountsIntoPeerWindow() {
	api := &lostPutAPI{peer: s.peerWindow(1)}
	store := &WindowStore{table: "t", cli: api}

	w, ok, err := store.Hit(context.Background(), "sms", "u1", 5, time.Minute, s.now)
	s.NoError(err)
	s.True(ok)
	s.Equal(2, w.Count)
	s.Equal(2, api.updates)
	s.Zero(api.gets)
}

func (s *FreshWindowRaceTestSuite) TestLoserIsRejectedWhenPeerWindowIsFull() {
	api := &lostPutAPI{peer: s.peerWindow(1)}
	store := &WindowStore{table: "t", cli: api}

	w, ok, err := store.Hit(context.Background(), "sms", "u1", 1, time.Minute, s.now)
	s.NoError(err)
	s.False(ok)
	s.Equal(1, w.Count)
	s.Equal(s.now.Add(time.Minute).UnixMilli(), w.ResetAt.UnixMilli())
	s.Equal(2, api.updates)
	s.Equal(1, api.gets)
}
