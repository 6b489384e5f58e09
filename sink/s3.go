package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"groupstat-go/config"
	"groupstat-go/logging"
	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrMissingBucket = errors.New("s3 sink: endpoint and bucket must be configured")

// objectPutter is the part of *s3.Client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	client objectPutter
	bucket string
}

// NewS3Uploader builds a path style client for the configured endpoint, which
// also works against minio.
func NewS3Uploader(secrets config.Secrets) (*S3Uploader, error) {
	if secrets.EndpointURL == "" || secrets.BucketName == "" {
		return nil, ErrMissingBucket
	}
	creds := aws.Credentials{
		AccessKeyID:     secrets.AccessKey,
		SecretAccessKey: secrets.SecretKey,
		Source:          "groupstat-config",
	}
	client := s3.New(s3.Options{
		Region: secrets.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
		BaseEndpoint: aws.String(endpointURL(secrets.EndpointURL, secrets.UseSSL)),
		UsePathStyle: true,
	})
	return &S3Uploader{client: client, bucket: secrets.BucketName}, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// UploadCSV renders the batches as CSV and stores them under key.
func (u *S3Uploader) UploadCSV(ctx context.Context, key string, schema *arrow.Schema, batches []*operators.RecordBatch) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, schema, batches); err != nil {
		return err
	}
	size := buf.Len()
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(size)),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
	}
	logging.WithComponent("s3-sink").Info("result uploaded", "bucket", u.bucket, "key", key, "bytes", size)
	return nil
}
