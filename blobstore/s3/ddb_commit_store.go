package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/tapeann/blobstore"
)

// ErrConcurrentCommit is returned when another writer published a snapshot
// version concurrently.
var ErrConcurrentCommit = errors.New("s3: concurrent snapshot commit detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBCommitStore layers DynamoDB conditional writes over an S3 store so the
// CURRENT snapshot pointer updates atomically. S3 writes are last-wins; a
// conditional put on a monotonically increasing version number gives
// concurrent exporters compare-and-swap semantics instead.
//
// Table schema: partition key base_uri (S), sort key version (N).
type DDBCommitStore struct {
	store     *Store
	ddb       DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.Store = (*DDBCommitStore)(nil)

// NewDDBCommitStore wraps store with DynamoDB-coordinated CURRENT updates.
// baseURI identifies this index's snapshot set (e.g. "s3://bucket/prefix").
func NewDDBCommitStore(store *Store, ddb DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		store:     store,
		ddb:       ddb,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open resolves CURRENT from DynamoDB; everything else reads through to S3.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != "CURRENT" {
		return s.store.Open(ctx, name)
	}

	_, target, err := s.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, blobstore.ErrNotFound
	}
	return &memBlob{Reader: bytes.NewReader([]byte(target)), size: int64(len(target))}, nil
}

// Put publishes CURRENT through a conditional DynamoDB write; everything
// else writes through to S3.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != "CURRENT" {
		return s.store.Put(ctx, name, data)
	}

	version, _, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}

	next := version + 1
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"target":   &types.AttributeValueMemberS{Value: string(data)},
		},
		// The item for this version must not already exist.
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return fmt.Errorf("%w: version %d already committed", ErrConcurrentCommit, next)
		}
		return fmt.Errorf("s3: commit version %d: %w", next, err)
	}
	return nil
}

func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.store.Create(ctx, name)
}

func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}

func (s *DDBCommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	versionAttr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", fmt.Errorf("s3: commit item missing version")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse commit version: %w", err)
	}

	target := ""
	if t, ok := resp.Items[0]["target"].(*types.AttributeValueMemberS); ok {
		target = t.Value
	}
	return version, target, nil
}

type memBlob struct {
	*bytes.Reader
	size int64
}

func (b *memBlob) Close() error { return nil }

func (b *memBlob) Size() int64 { return b.size }

var _ io.Reader = (*memBlob)(nil)
