// Package sqs implements the channel contract on Amazon SQS. Ack deletes the
// message; unacked messages reappear after the visibility timeout.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"logferry/channel"
	"logferry/internal/failure"
	"logferry/internal/logging"
)

// MaxDelay is the longest delivery delay SQS accepts.
const MaxDelay = 15 * time.Minute

const attrMessageID = "logferry-message-id"

// API is the subset of the SQS client used here.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

type Config struct {
	Region            string        `koanf:"region"`
	Endpoint          string        `koanf:"endpoint"`
	WaitTime          time.Duration `koanf:"wait_time"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	Client API `koanf:"-"` // test hook
}

type Driver struct {
	cfg    Config
	client API

	mu   sync.Mutex
	urls map[string]string
}

func (d *Driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("sqs-channel: expected Config, got %T", raw)
	}
	if c.WaitTime <= 0 || c.WaitTime > 20*time.Second {
		c.WaitTime = 20 * time.Second
	}
	d.cfg = c
	d.urls = make(map[string]string)
	if c.Client != nil {
		d.client = c.Client
		return nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("sqs-channel: load aws config: %w", err)
	}
	d.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
	return nil
}

// queueURL accepts a queue URL or resolves a queue name.
func (d *Driver) queueURL(queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.urls[queue]; ok {
		return u, nil
	}
	out, err := d.client.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("sqs-channel: resolve queue %q: %w", queue, err)
	}
	d.urls[queue] = aws.ToString(out.QueueUrl)
	return d.urls[queue], nil
}

func (d *Driver) Receiver(queue string) (channel.Receiver, error) {
	u, err := d.queueURL(queue)
	if err != nil {
		return nil, err
	}
	return &queueClient{d: d, name: queue, url: u}, nil
}

func (d *Driver) Publisher(queue string) (channel.Publisher, error) {
	u, err := d.queueURL(queue)
	if err != nil {
		return nil, err
	}
	return &queueClient{d: d, name: queue, url: u}, nil
}

func (d *Driver) Close() error { return nil }

type queueClient struct {
	d    *Driver
	name string
	url  string
}

func (q *queueClient) Receive(ctx context.Context, max int) ([]channel.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(min(max, 10)),
		WaitTimeSeconds:       int32(q.d.cfg.WaitTime / time.Second),
		MessageAttributeNames: []string{"All"},
	}
	if v := q.d.cfg.VisibilityTimeout; v > 0 {
		in.VisibilityTimeout = int32(v / time.Second)
	}
	out, err := q.d.client.ReceiveMessage(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sqs-channel: receive from %s: %w", q.name, err)
	}
	now := time.Now()
	ds := make([]channel.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := channel.Message{ID: aws.ToString(m.MessageId), Body: []byte(aws.ToString(m.Body))}
		if a, ok := m.MessageAttributes[attrMessageID]; ok && aws.ToString(a.StringValue) != "" {
			msg.ID = aws.ToString(a.StringValue)
		}
		ds = append(ds, channel.Delivery{Message: msg, Queue: q.name, Received: now, Handle: m.ReceiptHandle})
	}
	return ds, nil
}

func (q *queueClient) Ack(ctx context.Context, d channel.Delivery) error {
	rh, ok := d.Handle.(*string)
	if !ok || rh == nil {
		return fmt.Errorf("sqs-channel: foreign delivery handle %T", d.Handle)
	}
	_, err := q.d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(q.url), ReceiptHandle: rh})
	if err != nil {
		return fmt.Errorf("sqs-channel: delete %s: %w", d.ID, err)
	}
	return nil
}

// Publish maps NotBefore onto DelaySeconds, capped at MaxDelay.
func (q *queueClient) Publish(ctx context.Context, m channel.Message) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(m.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrMessageID: {DataType: aws.String("String"), StringValue: aws.String(m.ID)},
		},
	}
	if delay := delaySeconds(time.Until(m.NotBefore)); delay > 0 {
		in.DelaySeconds = delay
		if time.Until(m.NotBefore) > MaxDelay {
			logging.L().Warn("sqs-channel: delay capped", "queue", q.name, "id", m.ID, "max", MaxDelay.String())
		}
	}
	if strings.HasSuffix(q.url, ".fifo") {
		group := m.Key
		if group == "" {
			group = "logferry"
		}
		in.MessageGroupId = aws.String(group)
		in.MessageDeduplicationId = aws.String(m.ID)
		in.DelaySeconds = 0
	}
	if _, err := q.d.client.SendMessage(ctx, in); err != nil {
		var invalid *types.InvalidMessageContents
		if errors.As(err, &invalid) {
			return failure.Permanent(fmt.Errorf("sqs-channel: send to %s: %w", q.name, err))
		}
		return failure.Transient(fmt.Errorf("sqs-channel: send to %s: %w", q.name, err))
	}
	return nil
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

func (q *queueClient) Close() error { return nil }

func init() {
	channel.Register("sqs", func() channel.Driver { return &Driver{} })
}
