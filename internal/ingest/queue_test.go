package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	receiveIn  *sqs.ReceiveMessageInput
	receiveOut *sqs.ReceiveMessageOutput
	deleted    []string
	err        error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("id-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = in
	if f.err != nil {
		return nil, f.err
	}
	return f.receiveOut, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	client := &fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{
		{MessageId: aws.String("m1"), Body: aws.String(`{"channel_id":"x"}`), ReceiptHandle: aws.String("rh-1")},
	}}}
	q := newSQSQueue(client, "https://sqs.local/queue")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "payload"))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(client.sent[0].QueueUrl))
	assert.Equal(t, "payload", aws.ToString(client.sent[0].MessageBody))

	msgs, err := q.Receive(ctx, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(4), client.receiveIn.MaxNumberOfMessages)
	assert.Equal(t, int32(10), client.receiveIn.WaitTimeSeconds)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{ID: "m1", Body: `{"channel_id":"x"}`, ReceiptHandle: "rh-1"}, msgs[0])

	require.NoError(t, q.Delete(ctx, ""))
	require.NoError(t, q.Delete(ctx, "rh-1"))
	assert.Equal(t, []string{"rh-1"}, client.deleted)
}

func TestSQSQueue_Errors(t *testing.T) {
	q := newSQSQueue(&fakeSQS{err: errors.New("denied")}, "url")
	ctx := context.Background()

	assert.ErrorContains(t, q.Send(ctx, "x"), "denied")
	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorContains(t, err, "denied")
	assert.ErrorContains(t, q.Delete(ctx, "rh"), "denied")
	assert.Panics(t, func() { newSQSQueue(&fakeSQS{}, "") })
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, body))
	}

	msgs, err := q.Receive(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)

	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	start := time.Now()
	msgs, err = q.Receive(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Receive(cctx, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
