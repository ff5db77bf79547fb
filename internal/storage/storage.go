package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vmorsell/frame-relay/internal/sink"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

const (
	partitionKey = "pk"

	documentKeyCameraPrefix = "camera#"

	dynamoDBOperationTimeout = 5 * time.Second
)

var (
	// ErrItemNotFound is returned when a DynamoDB item doesn't exist.
	ErrItemNotFound = errors.New("item not found")
)

// DynamoDBAPI is the subset of the DynamoDB client used by Storage.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Storage journals the last known connection status of each camera.
type Storage struct {
	logger    *zap.Logger
	client    DynamoDBAPI
	tableName string
}

var _ sink.Sink = (*Storage)(nil)

func NewStorage(logger *zap.Logger, client DynamoDBAPI, tableName string) *Storage {
	return &Storage{
		logger:    logger,
		client:    client,
		tableName: tableName,
	}
}

func (s *Storage) Name() string { return "dynamodb" }

// Publish journals status events. Other event types are ignored.
func (s *Storage) Publish(ctx context.Context, e sink.Event) error {
	if e.Type != model.MessageTypeStatus {
		return nil
	}
	written, err := s.SaveStatus(ctx, e.Camera, e.Status, e.At.UnixMilli())
	if err != nil {
		return err
	}
	if !written {
		s.logger.Debug("stale camera status ignored",
			zap.String("camera", e.Camera.String()),
			zap.String("status", e.Status))
	}
	return nil
}

// SaveStatus stores status for camera unless a newer status is already stored. It reports
// whether the write happened.
func (s *Storage) SaveStatus(ctx context.Context, camera model.CameraID, status string, timestamp int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	updateExpr := "SET #cam = :camera, #st = :status, #ts = :timestamp"
	conditionExpr := "attribute_not_exists(#ts) OR #ts < :timestamp"

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 s.cameraKey(camera),
		UpdateExpression:    aws.String(updateExpr),
		ConditionExpression: aws.String(conditionExpr),
		ExpressionAttributeNames: map[string]string{
			"#cam": "camera",
			"#st":  "status",
			"#ts":  "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":camera":    &types.AttributeValueMemberN{Value: strconv.Itoa(int(camera))},
			":status":    &types.AttributeValueMemberS{Value: status},
			":timestamp": &types.AttributeValueMemberN{Value: strconv.FormatInt(timestamp, 10)},
		},
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return false, nil
		}
		return false, fmt.Errorf("update camera status item: %w", err)
	}

	return true, nil
}

func (s *Storage) GetStatus(ctx context.Context, camera model.CameraID) (model.CameraStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: aws.Bool(true),
		Key:            s.cameraKey(camera),
	})
	if err != nil {
		return model.CameraStatus{}, fmt.Errorf("get camera status item: %w", err)
	}

	if len(result.Item) == 0 {
		return model.CameraStatus{}, ErrItemNotFound
	}

	var st model.CameraStatus
	if err := attributevalue.UnmarshalMap(result.Item, &st); err != nil {
		return model.CameraStatus{}, fmt.Errorf("unmarshal camera status: %w", err)
	}
	return st, nil
}

// GetStatuses returns the journaled status of each camera that has one.
func (s *Storage) GetStatuses(ctx context.Context, cameras []model.CameraID) ([]model.CameraStatus, error) {
	statuses := make([]model.CameraStatus, 0, len(cameras))
	for _, c := range cameras {
		st, err := s.GetStatus(ctx, c)
		if errors.Is(err, ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (s *Storage) cameraKey(camera model.CameraID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partitionKey: &types.AttributeValueMemberS{Value: documentKeyCameraPrefix + strconv.Itoa(int(camera))},
	}
}
