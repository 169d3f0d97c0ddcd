package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const pkPrefixThread = "THREAD#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore keeps one item per thread, keyed by PK = "THREAD#<origin>/<thread>".
// The numeric ttl attribute lets a table TTL policy expire items on its own.
type DynamoDBStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

// NewDynamoDBStore wraps a DynamoDB client for the given table.
func NewDynamoDBStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoDBStore, error) {
	if api == nil {
		return nil, errors.New("conversation: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("conversation: dynamodb table name must not be empty")
	}
	return &DynamoDBStore{api: api, tableName: tableName, ttl: ttl}, nil
}

func threadPK(key Key) string {
	return pkPrefixThread + key.String()
}

// Get reads the item for key with a consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, key Key) (*Checkpoint, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	payload, err := strAttr(out.Item, "payload")
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("conversation: unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Put writes the item for cp.
func (s *DynamoDBStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("conversation: marshal checkpoint: %w", err)
	}

	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: threadPK(cp.Key())},
		"origin":        &types.AttributeValueMemberS{Value: string(cp.Origin)},
		"ownerId":       &types.AttributeValueMemberS{Value: cp.OwnerID},
		"payload":       &types.AttributeValueMemberS{Value: string(payload)},
		"lastTouchedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.LastTouchedAt.Unix(), 10)},
	}
	if s.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.LastTouchedAt.Add(s.ttl).Unix(), 10)}
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("conversation: put item: %w", err)
	}
	return nil
}

// Sweep scans for items last touched before olderThan and deletes them.
// The delete is conditional so a concurrent Put that refreshed the item wins.
func (s *DynamoDBStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := strconv.FormatInt(olderThan.Unix(), 10)
	removed := 0

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.tableName),
			FilterExpression:     aws.String("lastTouchedAt < :cutoff"),
			ProjectionExpression: aws.String("PK"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff": &types.AttributeValueMemberN{Value: cutoff},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return removed, fmt.Errorf("conversation: scan: %w", err)
		}

		for _, item := range out.Items {
			pk, err := strAttr(item, "PK")
			if err != nil {
				return removed, err
			}
			_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: pk},
				},
				ConditionExpression: aws.String("lastTouchedAt < :cutoff"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":cutoff": &types.AttributeValueMemberN{Value: cutoff},
				},
			})
			if err != nil {
				var ccf *types.ConditionalCheckFailedException
				if errors.As(err, &ccf) {
					continue
				}
				return removed, fmt.Errorf("conversation: delete item: %w", err)
			}
			removed++
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return removed, nil
}

// Close is a no-op; the AWS client has no resources to release.
func (s *DynamoDBStore) Close() error {
	return nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("conversation: missing attribute %q", key)
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("conversation: attribute %q is not a string", key)
	}
	return sv.Value, nil
}
