package ddb

import (
	"context"
	"errors"
	"strconv"
	"time"

	"astroguard/internal/ports"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ttlGrace keeps an expired window around for a while before DynamoDB TTL removes it.
const ttlGrace = 2 * time.Minute

// WindowStore implements ports.WindowStore with one item per (service, identifier):
// PK "RATE#<service>", SK "WIN#<identifier>".
type WindowStore struct {
	table string
	cli   API
}

type windowItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Identifier string `dynamodbav:"identifier"`
	Count      int    `dynamodbav:"count"`
	ResetAt    int64  `dynamodbav:"reset_at"` // unix ms
	ExpiresAt  int64  `dynamodbav:"ttl"`      // unix s
}

func (it windowItem) window() ports.Window {
	return ports.Window{Count: it.Count, ResetAt: time.UnixMilli(it.ResetAt)}
}

var _ ports.WindowStore = &WindowStore{}

// NewWindowStore creates the table if it does not exist yet.
func NewWindowStore(ctx context.Context, table string, cli API) (*WindowStore, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, err
	}
	return &WindowStore{table: table, cli: cli}, nil
}

func (s *WindowStore) key(service, identifier string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{
		"PK": &ddbTypes.AttributeValueMemberS{Value: pkRate(service)},
		"SK": &ddbTypes.AttributeValueMemberS{Value: skWin(identifier)},
	}
}

// Hit first tries to count into a live window with room, then to start a fresh window.
// When the fresh window loses a race with a concurrent caller, counting is tried once more
// against the window that caller created. Only then is the window live and full.
func (s *WindowStore) Hit(ctx context.Context, service, identifier string, max int, window time.Duration, now time.Time) (ports.Window, bool, error) {
	w, counted, err := s.countInto(ctx, service, identifier, max, now)
	if err != nil || counted {
		return w, counted, err
	}

	fresh := windowItem{
		PK:         pkRate(service),
		SK:         skWin(identifier),
		Identifier: identifier,
		Count:      1,
		ResetAt:    now.Add(window).UnixMilli(),
		ExpiresAt:  now.Add(window + ttlGrace).Unix(),
	}
	av, err := attributevalue.MarshalMap(fresh)
	if err != nil {
		return ports.Window{}, false, err
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                &s.table,
		Item:                     av,
		ConditionExpression:      awsString("attribute_not_exists(PK) OR #reset <= :now"),
		ExpressionAttributeNames: map[string]string{"#reset": "reset_at"},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":now": &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
		},
	})
	if err == nil {
		return fresh.window(), true, nil
	}
	if !conditionFailed(err) {
		return ports.Window{}, false, err
	}

	w, counted, err = s.countInto(ctx, service, identifier, max, now)
	if err != nil || counted {
		return w, counted, err
	}

	got, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            s.key(service, identifier),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return ports.Window{}, false, err
	}
	var it windowItem
	if err := attributevalue.UnmarshalMap(got.Item, &it); err != nil {
		return ports.Window{}, false, err
	}
	return it.window(), false, nil
}

// countInto adds one hit to a live window with room. counted is false when no such window exists.
func (s *WindowStore) countInto(ctx context.Context, service, identifier string, max int, now time.Time) (w ports.Window, counted bool, err error) {
	out, err := s.cli.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.table,
		Key:              s.key(service, identifier),
		UpdateExpression: awsString("ADD #count :one"),
		ExpressionAttributeNames: map[string]string{
			"#count": "count",
			"#reset": "reset_at",
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":one": &ddbTypes.AttributeValueMemberN{Value: "1"},
			":now": &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
			":max": &ddbTypes.AttributeValueMemberN{Value: itoa(int64(max))},
		},
		ConditionExpression: awsString("#reset > :now AND #count < :max"),
		ReturnValues:        ddbTypes.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return ports.Window{}, false, nil
		}
		return ports.Window{}, false, err
	}
	var it windowItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return ports.Window{}, false, err
	}
	return it.window(), true, nil
}

func (s *WindowStore) Release(ctx context.Context, service, identifier string, now time.Time) error {
	_, err := s.cli.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.table,
		Key:              s.key(service, identifier),
		UpdateExpression: awsString("ADD #count :minus"),
		ExpressionAttributeNames: map[string]string{
			"#count": "count",
			"#reset": "reset_at",
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":minus": &ddbTypes.AttributeValueMemberN{Value: "-1"},
			":zero":  &ddbTypes.AttributeValueMemberN{Value: "0"},
			":now":   &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
		},
		ConditionExpression: awsString("#reset > :now AND #count > :zero"),
	})
	if err != nil && !conditionFailed(err) {
		return err
	}
	return nil
}

func (s *WindowStore) List(ctx context.Context, service string) (map[string]ports.Window, error) {
	p := dynamodb.NewQueryPaginator(s.cli, &dynamodb.QueryInput{
		TableName:              &s.table,
		KeyConditionExpression: awsString("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk": &ddbTypes.AttributeValueMemberS{Value: pkRate(service)},
		},
		ConsistentRead: awsBool(true),
	})
	out := make(map[string]ports.Window)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var items []windowItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			out[parseIdentifier(it.SK)] = it.window()
		}
	}
	return out, nil
}

func (s *WindowStore) Delete(ctx context.Context, service, identifier string) error {
	_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.table,
		Key:       s.key(service, identifier),
	})
	return err
}

// DeleteExpired removes windows whose reset_at has passed. DynamoDB TTL removes them eventually anyway.
func (s *WindowStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, "begins_with(PK, :prefix) AND reset_at <= :now", map[string]ddbTypes.AttributeValue{
		":prefix": &ddbTypes.AttributeValueMemberS{Value: SRate + "#"},
		":now":    &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
	})
}

func (s *WindowStore) ClearAll(ctx context.Context) error {
	_, err := s.deleteWhere(ctx, "begins_with(PK, :prefix)", map[string]ddbTypes.AttributeValue{
		":prefix": &ddbTypes.AttributeValueMemberS{Value: SRate + "#"},
	})
	return err
}

func (s *WindowStore) deleteWhere(ctx context.Context, filter string, values map[string]ddbTypes.AttributeValue) (int, error) {
	p := dynamodb.NewScanPaginator(s.cli, &dynamodb.ScanInput{
		TableName:                 &s.table,
		FilterExpression:          awsString(filter),
		ExpressionAttributeValues: values,
		ProjectionExpression:      awsString("PK, SK"),
	})
	removed := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return removed, err
		}
		for _, item := range page.Items {
			_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: &s.table,
				Key:       map[string]ddbTypes.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			})
			if err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func conditionFailed(err error) bool {
	var cc *ddbTypes.ConditionalCheckFailedException
	return errors.As(err, &cc)
}

func itoa(i int64) string { return strconv.FormatInt(i, 10) }
