package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

const purgeThrottle = 50 * time.Millisecond

type DynamoSyncStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSyncStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSyncStore, error) {
	client, err := newDynamoDBClient(context.Background(), devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSyncStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoSyncStore) GetEntity(ctx context.Context, userId string, entityType models.EntityType, id string) (models.SyncableEntity, error) {
	// Consistent read: ApplyChange callers re-read after a stale
	// write and must see the row that beat them.
	de, err := getItem[dynamoEntity](dynamoStore, ctx, userPK(userId), entitySK(entityType, id), true)
	if err != nil {
		return models.SyncableEntity{}, err
	}

	return entityFromDynamo(de), nil
}

// ApplyChange writes the entity row, the optional tombstone and the
// pending counter bump in one transaction, so a stale version
// condition rolls back all three.
func (dynamoStore *DynamoSyncStore) ApplyChange(ctx context.Context, change store.Change) error {
	avMap, err := attributevalue.MarshalMap(entityToDynamo(change.Entity))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	put := &types.Put{
		TableName: aws.String(dynamoStore.tableName),
		Item:      avMap,
	}
	if change.ExpectedVersion == 0 {
		put.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		put.ConditionExpression = aws.String("SyncVersion = :expected")
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(change.ExpectedVersion, 10)},
		}
	}

	transactItems := []types.TransactWriteItem{{Put: put}}

	if t := change.Tombstone; t != nil {
		tombMap, err := attributevalue.MarshalMap(tombstoneToDynamo(*t))
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(dynamoStore.tableName),
				Item:      tombMap,
			},
		})
	}

	transactItems = append(transactItems, types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(dynamoStore.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: userPK(change.Entity.UserId)},
				"SK": &types.AttributeValueMemberS{Value: metadataSK},
			},
			UpdateExpression: aws.String("SET PendingSyncCount = if_not_exists(PendingSyncCount, :zero) + :one, UserId = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":one":  &types.AttributeValueMemberN{Value: "1"},
				":uid":  &types.AttributeValueMemberS{Value: change.Entity.UserId},
			},
		},
	})

	_, err = dynamoStore.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for _, reason := range tce.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return store.ErrVersionStale
				}
			}
		}
		return fmt.Errorf("transact write failed: %w", err)
	}

	return nil
}

func (dynamoStore *DynamoSyncStore) EntitiesUpdatedSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.SyncableEntity, error) {
	dynamoEntities, err := queryRangeByGSI[dynamoEntity](dynamoStore, ctx, updatedIndexName, "GSI1PK", userId, "GSI1SK", sinceMillis, limit)
	if err != nil {
		return nil, err
	}

	entities := make([]models.SyncableEntity, 0, len(dynamoEntities))
	for _, de := range dynamoEntities {
		entities = append(entities, entityFromDynamo(de))
	}

	return entities, nil
}

func (dynamoStore *DynamoSyncStore) TombstonesSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.Tombstone, error) {
	// Tombstones are purged on a retention window, so a user's set
	// stays small; fetch the partition prefix and filter here.
	dynamoTombstones, err := queryByPrefix[dynamoTombstone](dynamoStore, ctx, userPK(userId), tombstoneSKPrefix)
	if err != nil {
		return nil, err
	}

	tombstones := make([]models.Tombstone, 0, len(dynamoTombstones))
	for _, dt := range dynamoTombstones {
		if dt.DeletedAt > sinceMillis {
			tombstones = append(tombstones, tombstoneFromDynamo(dt))
		}
	}

	sort.Slice(tombstones, func(i, j int) bool {
		if tombstones[i].DeletedAt != tombstones[j].DeletedAt {
			return tombstones[i].DeletedAt < tombstones[j].DeletedAt
		}
		return tombstones[i].EntityId < tombstones[j].EntityId
	})

	if limit > 0 && len(tombstones) > int(limit) {
		tombstones = tombstones[:limit]
	}

	return tombstones, nil
}

func (dynamoStore *DynamoSyncStore) GetSyncMetadata(ctx context.Context, userId string) (models.SyncMetadata, error) {
	dm, err := getItem[dynamoSyncMetadata](dynamoStore, ctx, userPK(userId), metadataSK, false)
	if err != nil {
		return models.SyncMetadata{}, err
	}

	return metadataFromDynamo(dm), nil
}

func (dynamoStore *DynamoSyncStore) PutSyncMetadata(ctx context.Context, meta models.SyncMetadata) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(meta.UserId)},
			"SK": &types.AttributeValueMemberS{Value: metadataSK},
		},
		UpdateExpression: aws.String("SET UserId = :uid, LastSyncTimestamp = :ts, SyncToken = :tok, LastSyncStatus = :status, LastSyncError = :lastErr, PendingSyncCount = if_not_exists(PendingSyncCount, :zero)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":     &types.AttributeValueMemberS{Value: meta.UserId},
			":ts":      &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.LastSyncTimestamp, 10)},
			":tok":     &types.AttributeValueMemberS{Value: meta.SyncToken},
			":status":  &types.AttributeValueMemberS{Value: string(meta.LastSyncStatus)},
			":lastErr": &types.AttributeValueMemberS{Value: meta.LastSyncError},
			":zero":    &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		return fmt.Errorf("update sync metadata failed: %w", err)
	}

	return nil
}

func (dynamoStore *DynamoSyncStore) ResetPendingCount(ctx context.Context, userId string) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userId)},
			"SK": &types.AttributeValueMemberS{Value: metadataSK},
		},
		UpdateExpression: aws.String("SET PendingSyncCount = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		// A user who never synced has no metadata row; nothing to reset.
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return nil
		}
		return fmt.Errorf("reset pending count failed: %w", err)
	}

	return nil
}

func (dynamoStore *DynamoSyncStore) UpsertDeviceRecord(ctx context.Context, record models.DeviceRecord) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(record.UserId)},
			"SK": &types.AttributeValueMemberS{Value: deviceSK(record.DeviceId)},
		},
		UpdateExpression: aws.String("SET UserId = :uid, DeviceId = :did, LastSyncAt = :at, LastEntityType = :ltype, LastEntityId = :lid, SyncCount = if_not_exists(SyncCount, :zero) + :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":   &types.AttributeValueMemberS{Value: record.UserId},
			":did":   &types.AttributeValueMemberS{Value: record.DeviceId},
			":at":    &types.AttributeValueMemberN{Value: strconv.FormatInt(record.LastSyncAt, 10)},
			":ltype": &types.AttributeValueMemberS{Value: string(record.LastEntityType)},
			":lid":   &types.AttributeValueMemberS{Value: record.LastEntityId},
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":inc":   &types.AttributeValueMemberN{Value: strconv.FormatInt(record.SyncCount, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert device record failed: %w", err)
	}

	return nil
}

func (dynamoStore *DynamoSyncStore) GetDeviceRecords(ctx context.Context, userId string) ([]models.DeviceRecord, error) {
	dynamoRecords, err := queryByPrefix[dynamoDeviceRecord](dynamoStore, ctx, userPK(userId), deviceSKPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]models.DeviceRecord, 0, len(dynamoRecords))
	for _, dd := range dynamoRecords {
		records = append(records, deviceRecordFromDynamo(dd))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSyncAt > records[j].LastSyncAt
	})

	return records, nil
}

func (dynamoStore *DynamoSyncStore) PurgeTombstonesBefore(ctx context.Context, cutoffMillis int64) (int, error) {
	keys, err := scanTombstoneKeysBefore(dynamoStore, ctx, cutoffMillis)
	if err != nil {
		return 0, err
	}

	return deleteKeysThrottled(dynamoStore, ctx, keys, purgeThrottle)
}

func (dynamoStore *DynamoSyncStore) DeleteUserData(ctx context.Context, userId string) (int, error) {
	keys, err := collectKeysByPK(dynamoStore, ctx, userPK(userId))
	if err != nil {
		return 0, err
	}

	return deleteKeysThrottled(dynamoStore, ctx, keys, purgeThrottle)
}
