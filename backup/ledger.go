package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentModification is returned when two writers race to record
// the same (partitionName, version) manifest entry.
var ErrConcurrentModification = errors.New("backup: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the ledger needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Ledger records snapshot manifests in DynamoDB, keyed by partition name
// with a monotonically increasing version as the sort key, giving atomic
// append semantics (a conditional put rejects a version collision)
// across concurrent backup writers.
//
// Table schema: partition key "partition_name" (S), sort key "version" (N).
type Ledger struct {
	client    DDBClient
	tableName string
}

// NewLedger wraps an existing DynamoDB table as a manifest ledger.
func NewLedger(client DDBClient, tableName string) *Ledger {
	return &Ledger{client: client, tableName: tableName}
}

// Record appends m as the next version for its PartitionName.
func (l *Ledger) Record(ctx context.Context, m Manifest) error {
	existing, err := l.List(ctx, m.PartitionName)
	if err != nil {
		return err
	}
	version := len(existing) + 1

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"partition_name": &types.AttributeValueMemberS{Value: m.PartitionName},
			"version":        &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
			"snapshot_id":    &types.AttributeValueMemberS{Value: m.SnapshotID},
			"created_at":     &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
			"sector_size":    &types.AttributeValueMemberN{Value: strconv.Itoa(m.SectorSize)},
			"sector_count":   &types.AttributeValueMemberN{Value: strconv.Itoa(m.SectorCount)},
			"crc32":          &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(m.CRC32), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("backup: record manifest: %w", err)
	}
	return nil
}

// List returns every manifest recorded for partitionName, oldest first.
func (l *Ledger) List(ctx context.Context, partitionName string) ([]Manifest, error) {
	resp, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("partition_name = :pn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pn": &types.AttributeValueMemberS{Value: partitionName},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("backup: query manifests: %w", err)
	}

	manifests := make([]Manifest, 0, len(resp.Items))
	for _, item := range resp.Items {
		m, err := decodeManifest(item)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Latest returns the most recently recorded manifest for partitionName.
func (l *Ledger) Latest(ctx context.Context, partitionName string) (Manifest, bool, error) {
	all, err := l.List(ctx, partitionName)
	if err != nil || len(all) == 0 {
		return Manifest{}, false, err
	}
	return all[len(all)-1], true, nil
}

func decodeManifest(item map[string]types.AttributeValue) (Manifest, error) {
	str := func(key string) (string, error) {
		v, ok := item[key].(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("backup: missing/invalid attribute %q", key)
		}
		return v.Value, nil
	}
	num := func(key string) (int64, error) {
		v, ok := item[key].(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("backup: missing/invalid attribute %q", key)
		}
		return strconv.ParseInt(v.Value, 10, 64)
	}

	partitionName, err := str("partition_name")
	if err != nil {
		return Manifest{}, err
	}
	snapshotID, err := str("snapshot_id")
	if err != nil {
		return Manifest{}, err
	}
	createdAtStr, err := str("created_at")
	if err != nil {
		return Manifest{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: parse created_at: %w", err)
	}
	sectorSize, err := num("sector_size")
	if err != nil {
		return Manifest{}, err
	}
	sectorCount, err := num("sector_count")
	if err != nil {
		return Manifest{}, err
	}
	crc, err := num("crc32")
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{
		SnapshotID:    snapshotID,
		PartitionName: partitionName,
		CreatedAt:     createdAt,
		SectorSize:    int(sectorSize),
		SectorCount:   int(sectorCount),
		CRC32:         uint32(crc),
	}, nil
}
