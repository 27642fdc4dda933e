package ddb

import (
	"context"
	"kubepulse/internal/payload"
	"kubepulse/internal/types"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CacheStore implements ports.CacheBackend with one item per key. The "ttl" attribute lets DynamoDB reap
// items eventually; reads compare ExpiresAtNs so an expired item is a miss even before it is reaped.
type CacheStore struct {
	table string
	cli   *dynamodb.Client
	now   func() time.Time
}

type cacheItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Value       []byte `dynamodbav:"value"`
	ExpiresAtNs int64  `dynamodbav:"expires_at_ns"`
	TTL         int64  `dynamodbav:"ttl"`
}

func NewCacheStore(ctx context.Context, table string, cli *dynamodb.Client) (*CacheStore, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, err
	}
	return &CacheStore{table: table, cli: cli, now: time.Now}, nil
}

func (s *CacheStore) SetCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	item := cacheItem{
		PK:          pkCache(key),
		SK:          skEntry(),
		Value:       payload.Compress(value),
		ExpiresAtNs: expiresAt.UnixNano(),
		TTL:         expiresAt.Add(time.Minute).Unix(), // grace so reads decide expiry, not the reaper
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.Err(types.ErrStorage, err, "serialize cache %s", key)
	}
	if _, err := s.cli.PutItem(ctx, &dynamodb.PutItemInput{TableName: &s.table, Item: av}); err != nil {
		return types.Err(types.ErrStorage, err, "set cache %s", key)
	}
	return nil
}

func (s *CacheStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkCache(key)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skEntry()},
		},
	})
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "get cache %s", key)
	}
	if out.Item == nil {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	var item cacheItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, types.Err(types.ErrStorage, err, "decode cache %s", key)
	}
	entry := types.CacheEntry{Key: key, ExpiresAt: time.Unix(0, item.ExpiresAtNs)}
	if entry.Expired(s.now()) {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	v, err := payload.Decompress(item.Value)
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "decode cache %s", key)
	}
	return v, nil
}

func (s *CacheStore) DeleteExpiredCache(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, "begins_with(PK, :pfx) AND expires_at_ns <= :cutoff", map[string]ddbTypes.AttributeValue{
		":pfx":    &ddbTypes.AttributeValueMemberS{Value: SCache + "#"},
		":cutoff": &ddbTypes.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.UnixNano(), 10)},
	})
}

func (s *CacheStore) ClearCache(ctx context.Context) error {
	_, err := s.deleteWhere(ctx, "begins_with(PK, :pfx)", map[string]ddbTypes.AttributeValue{
		":pfx": &ddbTypes.AttributeValueMemberS{Value: SCache + "#"},
	})
	return err
}

func (s *CacheStore) deleteWhere(ctx context.Context, filter string, values map[string]ddbTypes.AttributeValue) (int64, error) {
	var (
		deleted int64
		start   map[string]ddbTypes.AttributeValue
	)
	for {
		out, err := s.cli.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 &s.table,
			FilterExpression:          awsString(filter),
			ExpressionAttributeValues: values,
			ProjectionExpression:      awsString("PK, SK"),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return deleted, types.Err(types.ErrStorage, err, "scan cache")
		}
		for _, item := range out.Items {
			_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: &s.table,
				Key:       map[string]ddbTypes.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			})
			if err != nil {
				return deleted, types.Err(types.ErrStorage, err, "delete cache item")
			}
			deleted++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		start = out.LastEvaluatedKey
	}
}
