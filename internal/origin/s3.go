package origin

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sdko-org/delivery-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

// S3Store serves origin bytes from an S3-compatible object store. The
// object key doubles as both file id and origin reference.
type S3Store struct {
	client *s3.S3
	bucket string
	log    *logrus.Entry
}

func NewS3Store(logger *logrus.Logger, cfg *config.Config) *S3Store {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		Credentials:      credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess := session.Must(session.NewSession(awsConfig))

	return &S3Store{
		client: s3.New(sess),
		bucket: cfg.S3Bucket,
		log:    logger.WithField("component", "origin_store"),
	}
}

func (s *S3Store) GetFileMeta(ctx context.Context, fileID string) (*FileMeta, error) {
	resp, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return nil, s.mapError(err, fileID)
	}

	name := aws.StringValue(resp.Metadata["File-Name"])
	if name == "" {
		name = path.Base(fileID)
	}

	contentType := aws.StringValue(resp.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &FileMeta{
		FileID:      fileID,
		Name:        name,
		Size:        aws.Int64Value(resp.ContentLength),
		ContentType: contentType,
		OriginRef:   fileID,
	}, nil
}

func (s *S3Store) OpenChunkStream(ctx context.Context, originRef string) (io.ReadCloser, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(originRef),
	})
	if err != nil {
		return nil, s.mapError(err, originRef)
	}
	return resp.Body, nil
}

func (s *S3Store) mapError(err error, key string) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return ErrFileNotFound
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			s.log.WithField("key", key).Warn("Origin store throttled request")
			return &RateLimitedError{RetryAfter: 30 * time.Second}
		}
	}
	return fmt.Errorf("origin request for %q failed: %w", key, err)
}
