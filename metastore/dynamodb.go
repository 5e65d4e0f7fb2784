package metastore

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/sentrykey/envelope"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKeyAttr = "Id"
	sortKeyAttr      = "Created"
	keyRecordAttr    = "KeyRecord"
)

var (
	_ envelope.Metastore = (*DynamoDB)(nil)

	loadDynamoDBTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.load", envelope.MetricsPrefix), nil)
	loadLatestDynamoDBTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.loadlatest", envelope.MetricsPrefix), nil)
	storeDynamoDBTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.store", envelope.MetricsPrefix), nil)
)

// DynamoDBClient is the subset of the DynamoDB v2 SDK client this package
// needs.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Options() dynamodb.Options
}

// DynamoDBOption configures a DynamoDB metastore.
type DynamoDBOption func(*DynamoDB)

// WithRegionSuffix makes GetRegionSuffix report the client's AWS region,
// which SessionFactory appends to every intermediate key id (see
// partition.go's suffixedPartition); system key ids are not suffixed.
// Use this with DynamoDB global tables to avoid
// cross-region write conflicts under last-writer-wins replication.
func WithRegionSuffix(enabled bool) DynamoDBOption {
	return func(d *DynamoDB) { d.regionSuffixEnabled = enabled }
}

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(name string) DynamoDBOption {
	return func(d *DynamoDB) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBClient supplies an already-configured client, e.g. one
// pointed at a non-default region or a local DynamoDB for tests.
func WithDynamoDBClient(client DynamoDBClient) DynamoDBOption {
	return func(d *DynamoDB) { d.svc = client }
}

// DynamoDB implements envelope.Metastore against an Amazon DynamoDB table
// keyed by partition key Id and sort key Created, storing each
// EnvelopeKeyRecord as a nested map attribute.
type DynamoDB struct {
	svc       DynamoDBClient
	tableName string

	regionSuffix        string
	regionSuffixEnabled bool
}

// NewDynamoDB builds a DynamoDB metastore. With no WithDynamoDBClient
// option, it dials AWS using the default credential chain.
func NewDynamoDB(opts ...DynamoDBOption) (*DynamoDB, error) {
	d := &DynamoDB{tableName: defaultTableName}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, errors.Wrap(envelope.ErrMetastoreException, err.Error())
		}

		d.svc = dynamodb.NewFromConfig(cfg)
	}

	if d.regionSuffixEnabled {
		d.regionSuffix = d.svc.Options().Region
	}

	return d, nil
}

// GetRegionSuffix implements the regionSuffixer interface SessionFactory
// looks for, so partition IDs carry this store's region when enabled.
func (d *DynamoDB) GetRegionSuffix() string {
	return d.regionSuffix
}

// Load implements envelope.Metastore.
func (d *DynamoDB) Load(ctx context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	expr, err := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name(keyRecordAttr))).
		Build()
	if err != nil {
		return nil, errors.Wrap(envelope.ErrMetastoreException, err.Error())
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKeyAttr: &types.AttributeValueMemberS{Value: id},
			sortKeyAttr:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(envelope.ErrMetastoreException, err.Error())
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(id, res.Item)
}

// LoadLatest implements envelope.Metastore.
func (d *DynamoDB) LoadLatest(ctx context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoDBTimer.UpdateSince(time.Now())

	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(partitionKeyAttr).Equal(expression.Value(id))).
		WithProjection(expression.NamesList(expression.Name(keyRecordAttr))).
		Build()
	if err != nil {
		return nil, errors.Wrap(envelope.ErrMetastoreException, err.Error())
	}

	res, err := d.svc.Query(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, errors.Wrap(envelope.ErrMetastoreException, err.Error())
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(id, res.Items[0])
}

// Store implements envelope.Metastore. It uses a conditional PutItem on
// attribute_not_exists(Id) so a duplicate (id, created) never overwrites
// an existing record; a failed condition is reported as (false, nil), per
// the Metastore contract, not as an error.
func (d *DynamoDB) Store(ctx context.Context, id string, created int64, rec *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoDBTimer.UpdateSince(time.Now())

	item, err := encodeRecord(rec)
	if err != nil {
		return false, errors.Wrap(envelope.ErrMalformedRecord, err.Error())
	}

	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKeyAttr: &types.AttributeValueMemberS{Value: id},
			sortKeyAttr:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr:    &types.AttributeValueMemberM{Value: item},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKeyAttr + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}

		return false, errors.Wrapf(envelope.ErrMetastoreException, "store %s/%d: %s", id, created, err)
	}

	return true, nil
}

// wireRecord mirrors envelope.EnvelopeKeyRecord for dynamodbav encoding;
// EncryptedKey is base64 text rather than raw bytes since the AWS SDK's
// attributevalue marshaler otherwise emits a binary attribute that's
// awkward to inspect via the console.
type wireRecord struct {
	Revoked       bool        `dynamodbav:"Revoked,omitempty"`
	Created       int64       `dynamodbav:"Created"`
	EncryptedKey  string      `dynamodbav:"Key"`
	ParentKeyMeta *envelope.KeyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

func encodeRecord(rec *envelope.EnvelopeKeyRecord) (map[string]types.AttributeValue, error) {
	wr := wireRecord{
		Revoked:       rec.Revoked,
		Created:       rec.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(rec.EncryptedKey),
		ParentKeyMeta: rec.ParentKeyMeta,
	}

	return attributevalue.MarshalMap(&wr)
}

func decodeItem(id string, m map[string]types.AttributeValue) (*envelope.EnvelopeKeyRecord, error) {
	var wrapper struct {
		KeyRecord *wireRecord `dynamodbav:"KeyRecord"`
	}

	if err := attributevalue.UnmarshalMap(m, &wrapper); err != nil {
		return nil, errors.Wrap(envelope.ErrMalformedRecord, err.Error())
	}

	wr := wrapper.KeyRecord
	if wr == nil {
		return nil, errors.Wrap(envelope.ErrMalformedRecord, "missing key record attribute")
	}

	encKey, err := base64.StdEncoding.DecodeString(wr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(envelope.ErrMalformedRecord, err.Error())
	}

	return &envelope.EnvelopeKeyRecord{
		ID:            id,
		Revoked:       wr.Revoked,
		Created:       wr.Created,
		EncryptedKey:  encKey,
		ParentKeyMeta: wr.ParentKeyMeta,
	}, nil
}
