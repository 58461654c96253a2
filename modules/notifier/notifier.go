package notifier

import (
	"context"
	"flag"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/pkg/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "notifier_messages_published_total",
		Help:      "Total number of completion messages published.",
	})
	metricPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "notifier_publish_failures_total",
		Help:      "Total number of completion messages that failed to publish.",
	})
)

var (
	_ bundledb.Publisher = (*SQSPublisher)(nil)
	_ bundledb.Publisher = Nop{}
)

type Config struct {
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.QueueURL, util.PrefixConfig(prefix, "queue_url"), "", "sqs queue url completion events are published to.")
	f.StringVar(&cfg.Region, util.PrefixConfig(prefix, "region"), "", "aws region of the queue. Empty defers to the aws sdk defaults.")
}

// sqsAPI is the slice of the sqs client the publisher uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// completionMessage is the wire shape of one bundle completion event.
type completionMessage struct {
	BundleID            string                 `json:"bundle_id"`
	RecipeID            string                 `json:"recipe_id"`
	PrimaryURL          string                 `json:"primary_url"`
	ResourcesCount      int                    `json:"resources_count"`
	StorageKey          string                 `json:"storage_key"`
	CompletionTimestamp string                 `json:"completion_timestamp"`
	Metadata            map[string]interface{} `json:"metadata"`
}

// SQSPublisher emits one message per completed bundle. Failures propagate to
// the caller so the durable pending record stays in place for the next run.
type SQSPublisher struct {
	logger log.Logger
	cfg    *Config
	client sqsAPI
	now    func() time.Time
}

func NewSQS(ctx context.Context, cfg *Config, logger log.Logger) (*SQSPublisher, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs publisher requires a queue url")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error loading aws config")
	}

	return &SQSPublisher{
		logger: logger,
		cfg:    cfg,
		client: sqs.NewFromConfig(awsCfg),
		now:    time.Now,
	}, nil
}

func (p *SQSPublisher) PublishBundleCompletion(ctx context.Context, ref *backend.BundleRef, meta map[string]interface{}, recipeID string) error {
	ts := p.now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(completionMessage{
		BundleID:            string(ref.BID),
		RecipeID:            recipeID,
		PrimaryURL:          ref.PrimaryURL,
		ResourcesCount:      ref.ResourcesCount,
		StorageKey:          ref.StorageKey,
		CompletionTimestamp: ts,
		Metadata:            meta,
	})
	if err != nil {
		return errors.Wrap(err, "error encoding completion message")
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"bundle_id":            {DataType: aws.String("String"), StringValue: aws.String(string(ref.BID))},
			"recipe_id":            {DataType: aws.String("String"), StringValue: aws.String(recipeID)},
			"completion_timestamp": {DataType: aws.String("String"), StringValue: aws.String(ts)},
		},
	})
	if err != nil {
		metricPublishFailures.Inc()
		return errors.Wrapf(err, "error publishing completion for bundle %s", ref.BID)
	}

	metricPublished.Inc()
	level.Debug(p.logger).Log("msg", "bundle completion published", "bid", ref.BID, "recipe", recipeID)
	return nil
}

// Ping verifies the queue is reachable with the configured credentials.
func (p *SQSPublisher) Ping(ctx context.Context) error {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return errors.Wrap(err, "error reaching sqs queue")
}

// Nop drops every message. Used in dev mode and for file-storage runs.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) PublishBundleCompletion(context.Context, *backend.BundleRef, map[string]interface{}, string) error {
	return nil
}
