package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS rejects message bodies above 256 KiB.
const sqsMaxBody = 256 * 1024

// HandlerAttribute is the message attribute carrying Job.Handler.
const HandlerAttribute = "handler"

var ErrJobTooLarge = errors.New("job exceeds queue message size")

type sqsSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes jobs as JSON messages. A Worker reading the same queue
// through source.SourceSQS executes them.
type SQSQueue struct {
	client   sqsSendAPI
	queueURL string

	// GroupID is set as MessageGroupId for FIFO queues.
	GroupID string
}

func NewSQSQueue(client sqsSendAPI, queueURL string) *SQSQueue {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if len(body) > sqsMaxBody {
		return fmt.Errorf("%w: %d bytes", ErrJobTooLarge, len(body))
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			HandlerAttribute: {DataType: aws.String("String"), StringValue: aws.String(job.Handler)},
		},
	}
	if q.GroupID != "" {
		in.MessageGroupId = aws.String(q.GroupID)
	}

	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
