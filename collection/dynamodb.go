package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const DefaultDynamoDBTable = "cellarsync-collections"

// DynamoDBBackend stores every collection in one table. The hash key
// is the collection key (prefixed with its kind) and the range key is
// the set member or map field.
type DynamoDBBackend struct {
	client *dynamodb.Client
	table  string
	log    *zap.Logger
}

type dynamoItem struct {
	Collection string `dynamodbav:"collection"`
	Member     string `dynamodbav:"member"`
	Value      string `dynamodbav:"value"`
}

func NewDynamoDBBackend(client *dynamodb.Client, table string, log *zap.Logger) *DynamoDBBackend {
	if table == "" {
		table = DefaultDynamoDBTable
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DynamoDBBackend{
		client: client,
		table:  table,
		log:    log,
	}
}

func (d *DynamoDBBackend) Name() string { return "dynamodb" }

// TODO: Table should probably be created out-of-band, not on startup?
func (d *DynamoDBBackend) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("collection"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("member"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("collection"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("member"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.log.Info("table already exists, skipping creation", zap.String("table", d.table))
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	return nil
}

func (d *DynamoDBBackend) Set(key string) Set {
	return &dynamoSet{backend: d, collection: "set/" + key}
}

func (d *DynamoDBBackend) Map(key string) Map {
	return &dynamoMap{backend: d, collection: "map/" + key}
}

func (d *DynamoDBBackend) Ping(ctx context.Context) error {
	if _, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}); err != nil {
		return fmt.Errorf("failed to describe DynamoDB table: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) Close(ctx context.Context) error { return nil }

func (d *DynamoDBBackend) key(collection string, member string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection": &types.AttributeValueMemberS{Value: collection},
		"member":     &types.AttributeValueMemberS{Value: member},
	}
}

func (d *DynamoDBBackend) put(ctx context.Context, item dynamoItem, onlyIfAbsent bool) error {
	value, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal collection item: %w", err)
	}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      value,
	}
	if onlyIfAbsent {
		putItemInput.ConditionExpression = aws.String("attribute_not_exists(member)")
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			// Already present.
			return nil
		}
		return fmt.Errorf("failed to write collection item: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) get(ctx context.Context, collection string, member string) (*dynamoItem, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(collection, member),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read collection item: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection item: %w", err)
	}
	return &item, nil
}

func (d *DynamoDBBackend) delete(ctx context.Context, collection string, member string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(collection, member),
	}); err != nil {
		return fmt.Errorf("failed to delete collection item: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) query(ctx context.Context, collection string) ([]dynamoItem, error) {
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("collection = :collection"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":collection": &types.AttributeValueMemberS{Value: collection},
		},
		ConsistentRead: aws.Bool(true),
	})

	var items []dynamoItem
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query collection %s from DynamoDB: %w", collection, err)
		}

		var pageItems []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal collection items: %w", err)
		}
		items = append(items, pageItems...)
	}
	return items, nil
}

type dynamoSet struct {
	backend    *DynamoDBBackend
	collection string
}

func (s *dynamoSet) Add(ctx context.Context, member string) error {
	return s.backend.put(ctx, dynamoItem{Collection: s.collection, Member: member}, true)
}

func (s *dynamoSet) Remove(ctx context.Context, member string) error {
	return s.backend.delete(ctx, s.collection, member)
}

func (s *dynamoSet) Contains(ctx context.Context, member string) (bool, error) {
	item, err := s.backend.get(ctx, s.collection, member)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (s *dynamoSet) Members(ctx context.Context) ([]string, error) {
	items, err := s.backend.query(ctx, s.collection)
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(items))
	for _, item := range items {
		members = append(members, item.Member)
	}
	return members, nil
}

type dynamoMap struct {
	backend    *DynamoDBBackend
	collection string
}

func (m *dynamoMap) Put(ctx context.Context, field string, value string) error {
	return m.backend.put(ctx, dynamoItem{Collection: m.collection, Member: field, Value: value}, false)
}

func (m *dynamoMap) Get(ctx context.Context, field string) (string, bool, error) {
	item, err := m.backend.get(ctx, m.collection, field)
	if err != nil || item == nil {
		return "", false, err
	}
	return item.Value, true, nil
}

func (m *dynamoMap) Delete(ctx context.Context, field string) error {
	return m.backend.delete(ctx, m.collection, field)
}

func (m *dynamoMap) Entries(ctx context.Context) (map[string]string, error) {
	items, err := m.backend.query(ctx, m.collection)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]string, len(items))
	for _, item := range items {
		entries[item.Member] = item.Value
	}
	return entries, nil
}
