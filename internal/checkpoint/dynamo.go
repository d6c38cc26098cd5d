package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamoTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"logferry/internal/task"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Dynamo stores one item per object keyed by object_id. Workers on
// different hosts share it.
type Dynamo struct {
	client DynamoAPI
	table  string
}

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

func NewDynamoFromConfig(ctx context.Context, cfg Config) (*Dynamo, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamo(client, cfg.Table), nil
}

func (d *Dynamo) key(id string) map[string]dynamoTypes.AttributeValue {
	return map[string]dynamoTypes.AttributeValue{
		"object_id": &dynamoTypes.AttributeValueMemberS{Value: id},
	}
}

func (d *Dynamo) Load(ctx context.Context, id string) (task.Checkpoint, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return task.Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return task.Checkpoint{}, false, nil
	}

	var cp task.Checkpoint
	raw, ok := out.Item["task"].(*dynamoTypes.AttributeValueMemberS)
	if !ok {
		return task.Checkpoint{}, false, fmt.Errorf("checkpoint %s: missing task attribute", id)
	}
	if err := json.Unmarshal([]byte(raw.Value), &cp.Task); err != nil {
		return task.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	if v, ok := out.Item["state"].(*dynamoTypes.AttributeValueMemberS); ok {
		cp.State = task.CheckpointState(v.Value)
	}
	if v, ok := out.Item["updated_at"].(*dynamoTypes.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			cp.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return cp, true, nil
}

func (d *Dynamo) Save(ctx context.Context, id string, cp task.Checkpoint) error {
	taskJSON, err := json.Marshal(cp.Task)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", id, err)
	}
	seq := strconv.FormatInt(cp.Task.Sequence, 10)
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]dynamoTypes.AttributeValue{
			"object_id":  &dynamoTypes.AttributeValueMemberS{Value: id},
			"sequence":   &dynamoTypes.AttributeValueMemberN{Value: seq},
			"offset":     &dynamoTypes.AttributeValueMemberN{Value: strconv.FormatInt(cp.Task.Offset, 10)},
			"state":      &dynamoTypes.AttributeValueMemberS{Value: string(cp.State)},
			"task":       &dynamoTypes.AttributeValueMemberS{Value: string(taskJSON)},
			"updated_at": &dynamoTypes.AttributeValueMemberN{Value: strconv.FormatInt(cp.UpdatedAt.UnixMilli(), 10)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(object_id) OR #seq <= :seq"),
		ExpressionAttributeNames: map[string]string{"#seq": "sequence"},
		ExpressionAttributeValues: map[string]dynamoTypes.AttributeValue{
			":seq": &dynamoTypes.AttributeValueMemberN{Value: seq},
		},
	})
	var ccf *dynamoTypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// a newer checkpoint is already stored
		return nil
	}
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", id, err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(id),
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (d *Dynamo) Close() error { return nil }
