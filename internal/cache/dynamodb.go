package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of *dynamodb.Client used here.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dynamoItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Value string `dynamodbav:"Value"`
	TTL   int64  `dynamodbav:"TTL"`
}

// DynamoCache stores entries in a table with DynamoDB TTL enabled on the "TTL"
// attribute. DynamoDB deletes expired items lazily, so reads also compare TTL
// against the clock.
type DynamoCache struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

func NewDynamoCache(client DynamoAPI, tableName string) *DynamoCache {
	return &DynamoCache{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (c *DynamoCache) WithClock(clock func() time.Time) {
	if clock != nil {
		c.now = clock
	}
}

func (c *DynamoCache) Get(ctx context.Context, key string) (string, error) {
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get cache entry: %w", err)
	}

	if result.Item == nil {
		return "", ErrMiss
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal cache item: %w", err)
	}

	if item.TTL <= c.now().Unix() {
		return "", ErrMiss
	}

	return item.Value, nil
}

func (c *DynamoCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	// TTL is whole seconds; truncate so an entry never outlives ttl.
	expiresAt := c.now().Add(ttl).Unix()

	item, err := attributevalue.MarshalMap(dynamoItem{
		PK:    pk(key),
		SK:    "METADATA",
		Value: value,
		TTL:   expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache item: %w", err)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}

	return nil
}

func (c *DynamoCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.tableName),
			Key:       c.key(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete cache entry: %w", err)
		}
	}
	return nil
}

func (c *DynamoCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *DynamoCache) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk(key)},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func pk(key string) string {
	return "CACHE#" + key
}

