package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore backs the shared tier with a DynamoDB table. The table needs a
// string partition key "pk" and TTL enabled on the "expires_at" attribute.
// DynamoDB removes expired items lazily (up to 48h late), so reads
// double-check the timestamp instead of trusting the TTL sweep.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore creates a store over the named table using the default AWS
// credential chain.
func NewDynamoStore(ctx context.Context, table string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &DynamoStore{client: dynamodb.NewFromConfig(cfg), table: table}, nil
}

// NewDynamoStoreWithClient creates a store over an existing client. Used by
// tests and callers with custom endpoints.
func NewDynamoStoreWithClient(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Get implements Store.
func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	if attr, ok := out.Item["expires_at"].(*ddbtypes.AttributeValueMemberN); ok {
		expiresAt, err := strconv.ParseInt(attr.Value, 10, 64)
		if err == nil && expiresAt > 0 && time.Now().Unix() > expiresAt {
			return nil, false, nil
		}
	}

	value, ok := out.Item["value"].(*ddbtypes.AttributeValueMemberB)
	if !ok {
		return nil, false, nil
	}
	return value.Value, true, nil
}

// Put implements Store.
func (s *DynamoStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]ddbtypes.AttributeValue{
		"pk":    &ddbtypes.AttributeValueMemberS{Value: key},
		"value": &ddbtypes.AttributeValueMemberB{Value: value},
	}
	if ttl > 0 {
		expiresAt := time.Now().Add(ttl).Unix()
		item["expires_at"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Close implements Store. The underlying client has no resources to release.
func (s *DynamoStore) Close() error { return nil }
