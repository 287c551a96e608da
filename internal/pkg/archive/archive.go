package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/convertviral/convertviral/internal/pkg/config"
	"github.com/gofiber/fiber/v2/log"
)

// ObjectPutter is the part of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores raw webhook payloads in an S3 compatible bucket.
type S3Archiver struct {
	client ObjectPutter
	bucket string
}

// NewS3Archiver builds an archiver over an existing client.
func NewS3Archiver(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// NewFromConfig creates the S3 client from cfg and checks that the bucket is
// reachable. Outside prod a missing bucket is created.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig, appEnv string) (*S3Archiver, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("webhook archive is disabled")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// MinIO and B2 need path-style URLs
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		if appEnv == "prod" {
			return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
		}
		log.Warnf("[Archive] Bucket %s not found, attempting to create it", cfg.BucketName)
		input := &s3.CreateBucketInput{Bucket: aws.String(cfg.BucketName)}
		if cfg.EndpointURL == "" && cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(cfg.Region),
			}
		}
		if _, err := client.CreateBucket(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.BucketName, err)
		}
	}

	log.Infof("[Archive] Webhook payloads are archived to bucket %s", cfg.BucketName)
	return NewS3Archiver(client, cfg.BucketName), nil
}

// ObjectKey returns webhooks/YYYY/MM/DD/<event id>.json for the event's creation day.
func ObjectKey(eventID string, created time.Time) string {
	c := created.UTC()
	return fmt.Sprintf("webhooks/%04d/%02d/%02d/%s.json", c.Year(), int(c.Month()), c.Day(), eventID)
}

// Archive uploads payload under ObjectKey.
func (a *S3Archiver) Archive(ctx context.Context, eventID string, created time.Time, payload []byte) error {
	key := ObjectKey(eventID, created)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"event-id": eventID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
