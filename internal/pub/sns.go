// Package pub delivers config change notifications.
package pub

import (
	"context"
	"os"

	"kubepulse/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const SNSEndpointKey = "SNS_ENDPOINT"

type SNSPublisher struct{ cli *sns.Client }

func NewSNS(c *sns.Client) *SNSPublisher { return &SNSPublisher{cli: c} }

// NewSNSFromEnv builds the client from the default AWS configuration. SNS_ENDPOINT points it at a local mock
// with static test credentials.
func NewSNSFromEnv(ctx context.Context) (*SNSPublisher, error) {
	var snsEndpoint *string
	if se := os.Getenv(SNSEndpointKey); se != "" {
		snsEndpoint = aws.String(se)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, types.Err(types.ErrInvalidSettings, err, "load AWS config")
	}
	cli := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if snsEndpoint != nil {
			o.BaseEndpoint = snsEndpoint
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	})
	return NewSNS(cli), nil
}

func (s *SNSPublisher) PublishRaw(ctx context.Context, arn string, payload []byte) error {
	if arn == "" {
		return types.Err(types.ErrValidation, nil, "publish without topic")
	}
	_, err := s.cli.Publish(ctx, &sns.PublishInput{
		TopicArn: &arn,
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]snsTypes.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
			"source":       {DataType: aws.String("String"), StringValue: aws.String("kubepulse")},
		},
	})
	if err != nil {
		return types.Err(types.ErrStorage, err, "publish to %s", arn)
	}
	return nil
}
