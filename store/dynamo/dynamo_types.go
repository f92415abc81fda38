package dynamo

import (
	"github.com/pezware/mirubato-sub016/models"
)

// Single-table layout. Only entity rows carry the GSI attributes, so
// GSI_UserUpdated stays sparse and a window query never sees
// tombstones, metadata or device rows:
//
//	entity    PK=USER#{userId}  SK=ENTITY#{type}#{id}  GSI1PK={userId} GSI1SK={updatedAt}
//	tombstone PK=USER#{userId}  SK=TOMB#{type}#{id}
//	metadata  PK=USER#{userId}  SK=SYNCMETA
//	device    PK=USER#{userId}  SK=DEVICE#{deviceId}
const (
	entitySKPrefix    = "ENTITY#"
	tombstoneSKPrefix = "TOMB#"
	deviceSKPrefix    = "DEVICE#"
	metadataSK        = "SYNCMETA"

	updatedIndexName = "GSI_UserUpdated"
)

func userPK(userId string) string {
	return "USER#" + userId
}

func entitySK(entityType models.EntityType, id string) string {
	return entitySKPrefix + string(entityType) + "#" + id
}

func tombstoneSK(entityType models.EntityType, entityId string) string {
	return tombstoneSKPrefix + string(entityType) + "#" + entityId
}

func deviceSK(deviceId string) string {
	return deviceSKPrefix + deviceId
}

type dynamoEntity struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Id          string `dynamodbav:"Id"`
	UserId      string `dynamodbav:"UserId"`
	EntityType  string `dynamodbav:"EntityType"`
	SyncVersion int64  `dynamodbav:"SyncVersion"`
	Checksum    string `dynamodbav:"Checksum"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	UpdatedAt   int64  `dynamodbav:"UpdatedAt"`
	DeletedAt   *int64 `dynamodbav:"DeletedAt,omitempty"`
	DeviceId    string `dynamodbav:"DeviceId"`
	Payload     []byte `dynamodbav:"Payload,omitempty"`
	GSI1PK      string `dynamodbav:"GSI1PK"`
	GSI1SK      int64  `dynamodbav:"GSI1SK"`
}

// Map domain SyncableEntity -> Dynamo
func entityToDynamo(e models.SyncableEntity) dynamoEntity {
	return dynamoEntity{
		PK:          userPK(e.UserId),
		SK:          entitySK(e.EntityType, e.Id),
		Id:          e.Id,
		UserId:      e.UserId,
		EntityType:  string(e.EntityType),
		SyncVersion: e.SyncVersion,
		Checksum:    e.Checksum,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		DeletedAt:   e.DeletedAt,
		DeviceId:    e.DeviceId,
		Payload:     e.Payload,
		GSI1PK:      e.UserId,
		GSI1SK:      e.UpdatedAt,
	}
}

// Map Dynamo -> domain SyncableEntity
func entityFromDynamo(de dynamoEntity) models.SyncableEntity {
	return models.SyncableEntity{
		Id:          de.Id,
		UserId:      de.UserId,
		EntityType:  models.EntityType(de.EntityType),
		SyncVersion: de.SyncVersion,
		Checksum:    de.Checksum,
		CreatedAt:   de.CreatedAt,
		UpdatedAt:   de.UpdatedAt,
		DeletedAt:   de.DeletedAt,
		DeviceId:    de.DeviceId,
		Payload:     de.Payload,
	}
}

type dynamoTombstone struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	UserId     string `dynamodbav:"UserId"`
	EntityType string `dynamodbav:"EntityType"`
	EntityId   string `dynamodbav:"EntityId"`
	DeletedAt  int64  `dynamodbav:"DeletedAt"`
}

func tombstoneToDynamo(t models.Tombstone) dynamoTombstone {
	return dynamoTombstone{
		PK:         userPK(t.UserId),
		SK:         tombstoneSK(t.EntityType, t.EntityId),
		UserId:     t.UserId,
		EntityType: string(t.EntityType),
		EntityId:   t.EntityId,
		DeletedAt:  t.DeletedAt,
	}
}

func tombstoneFromDynamo(dt dynamoTombstone) models.Tombstone {
	return models.Tombstone{
		UserId:     dt.UserId,
		EntityType: models.EntityType(dt.EntityType),
		EntityId:   dt.EntityId,
		DeletedAt:  dt.DeletedAt,
	}
}

type dynamoSyncMetadata struct {
	PK                string `dynamodbav:"PK"`
	SK                string `dynamodbav:"SK"`
	UserId            string `dynamodbav:"UserId"`
	LastSyncTimestamp int64  `dynamodbav:"LastSyncTimestamp"`
	SyncToken         string `dynamodbav:"SyncToken"`
	PendingSyncCount  int64  `dynamodbav:"PendingSyncCount"`
	LastSyncStatus    string `dynamodbav:"LastSyncStatus"`
	LastSyncError     string `dynamodbav:"LastSyncError"`
}

func metadataFromDynamo(dm dynamoSyncMetadata) models.SyncMetadata {
	return models.SyncMetadata{
		UserId:            dm.UserId,
		LastSyncTimestamp: dm.LastSyncTimestamp,
		SyncToken:         dm.SyncToken,
		PendingSyncCount:  dm.PendingSyncCount,
		LastSyncStatus:    models.SyncStatus(dm.LastSyncStatus),
		LastSyncError:     dm.LastSyncError,
	}
}

type dynamoDeviceRecord struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	UserId         string `dynamodbav:"UserId"`
	DeviceId       string `dynamodbav:"DeviceId"`
	LastSyncAt     int64  `dynamodbav:"LastSyncAt"`
	LastEntityType string `dynamodbav:"LastEntityType"`
	LastEntityId   string `dynamodbav:"LastEntityId"`
	SyncCount      int64  `dynamodbav:"SyncCount"`
}

func deviceRecordFromDynamo(dd dynamoDeviceRecord) models.DeviceRecord {
	return models.DeviceRecord{
		UserId:         dd.UserId,
		DeviceId:       dd.DeviceId,
		LastSyncAt:     dd.LastSyncAt,
		LastEntityType: models.EntityType(dd.LastEntityType),
		LastEntityId:   dd.LastEntityId,
		SyncCount:      dd.SyncCount,
	}
}
