package notifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/datafetcher/bundledb/backend"
)

func TestPublishBundleCompletion(t *testing.T) {
	client := &fakeSQS{}
	p := testPublisher(client)

	bid := backend.NewBID(time.Unix(1700000000, 0))
	ref := &backend.BundleRef{
		BID:            bid,
		PrimaryURL:     "https://h/report",
		ResourcesCount: 3,
		StorageKey:     "bundles/" + string(bid) + "/metadata.json",
	}

	err := p.PublishBundleCompletion(context.Background(), ref, map[string]interface{}{"run": "abc"}, "recipe-1")
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "https://sqs.test/q", *in.QueueUrl)

	var msg completionMessage
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &msg))
	assert.Equal(t, string(bid), msg.BundleID)
	assert.Equal(t, "recipe-1", msg.RecipeID)
	assert.Equal(t, "https://h/report", msg.PrimaryURL)
	assert.Equal(t, 3, msg.ResourcesCount)
	assert.Equal(t, ref.StorageKey, msg.StorageKey)
	assert.Equal(t, "2024-03-01T12:30:00Z", msg.CompletionTimestamp)
	assert.Equal(t, "abc", msg.Metadata["run"])

	require.Len(t, in.MessageAttributes, 3)
	for name, expected := range map[string]string{
		"bundle_id":            string(bid),
		"recipe_id":            "recipe-1",
		"completion_timestamp": "2024-03-01T12:30:00Z",
	} {
		attr, ok := in.MessageAttributes[name]
		require.True(t, ok, "missing attribute %s", name)
		assert.Equal(t, "String", *attr.DataType)
		assert.Equal(t, expected, *attr.StringValue)
	}
}

func TestPublishFailurePropagates(t *testing.T) {
	client := &fakeSQS{sendErr: fmt.Errorf("throttled")}
	p := testPublisher(client)

	bid := backend.NewBID(time.Now())
	err := p.PublishBundleCompletion(context.Background(), &backend.BundleRef{BID: bid}, nil, "recipe-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error publishing completion")
	assert.Contains(t, err.Error(), "throttled")
}

func TestPing(t *testing.T) {
	client := &fakeSQS{}
	p := testPublisher(client)
	require.NoError(t, p.Ping(context.Background()))
	require.Equal(t, 1, client.pings)

	client.pingErr = fmt.Errorf("no such queue")
	require.Error(t, p.Ping(context.Background()))
}

func TestNop(t *testing.T) {
	require.NoError(t, NewNop().PublishBundleCompletion(context.Background(), &backend.BundleRef{BID: "x"}, nil, "r"))
}

func TestNewSQSRequiresQueueURL(t *testing.T) {
	_, err := NewSQS(context.Background(), &Config{}, log.NewNopLogger())
	require.Error(t, err)
}

func testPublisher(client sqsAPI) *SQSPublisher {
	return &SQSPublisher{
		logger: log.NewNopLogger(),
		cfg:    &Config{QueueURL: "https://sqs.test/q"},
		client: client,
		now:    func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) },
	}
}

type fakeSQS struct {
	sendErr error
	pingErr error
	inputs  []*sqs.SendMessageInput
	pings   int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	f.pings++
	return &sqs.GetQueueAttributesOutput{}, nil
}
