package project

import (
	"errors"
	"fmt"
	"io"

	"groupstat-go/config"
	"groupstat-go/operators"

	"github.com/minio/minio-go"
)

type mime string

var (
	MimeCSV     mime = "csv"
	MimeParquet mime = "parquet"
)

var ErrMissingCredentials = errors.New("s3 source: endpoint and bucket must be configured")

type NetworkResource struct {
	client *minio.Client
	bucket string
	key    string

	// raw streaming object for CSV
	stream *minio.Object
}

// NewStreamReader opens key in the configured bucket using config secrets.
func NewStreamReader(fileName string) (*NetworkResource, error) {
	secrets := config.GetConfig().Secrets
	if secrets.EndpointURL == "" || secrets.BucketName == "" {
		return nil, ErrMissingCredentials
	}
	client, err := minio.New(secrets.EndpointURL, secrets.AccessKey, secrets.SecretKey, secrets.UseSSL)
	if err != nil {
		return nil, err
	}
	return newStreamReader(client, secrets.BucketName, fileName)
}

func newStreamReader(client *minio.Client, bucket, key string) (*NetworkResource, error) {
	obj, err := client.GetObject(bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return &NetworkResource{
		client: client,
		bucket: bucket,
		key:    key,
		stream: obj,
	}, nil
}

func (n *NetworkResource) Stream() io.Reader {
	return n.stream
}

// ReadAt implements io.ReaderAt for Parquet readers with ranged GETs.
func (n *NetworkResource) ReadAt(p []byte, off int64) (int, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+int64(len(p))-1); err != nil {
		return 0, err
	}
	obj, err := n.client.GetObject(n.bucket, n.key, opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = obj.Close() }()
	return io.ReadFull(obj, p)
}

func (n *NetworkResource) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		return offset, nil
	case io.SeekEnd:
		info, err := n.client.StatObject(n.bucket, n.key, minio.StatObjectOptions{})
		if err != nil {
			return 0, fmt.Errorf("failed to stat object: %w", err)
		}
		return info.Size + offset, nil
	default:
		return 0, fmt.Errorf("unsupported seek mode for S3: %d", whence)
	}
}

func (n *NetworkResource) Close() error {
	return n.stream.Close()
}

// S3Opener opens a fresh object stream per scan. CSV objects are streamed,
// parquet objects are read with ranged requests.
func S3Opener(key string, format mime, csvOpts []CSVOption, columns []string, batchSize int64) operators.Opener {
	return func() (operators.Operator, error) {
		nr, err := NewStreamReader(key)
		if err != nil {
			return nil, err
		}
		switch format {
		case MimeCSV:
			src, err := NewCSVSource(nr.Stream(), csvOpts...)
			if err != nil {
				_ = nr.Close()
				return nil, err
			}
			src.closer = nr
			return src, nil
		case MimeParquet:
			var src *ParquetSource
			if len(columns) > 0 {
				src, err = NewParquetSourcePushDown(nr, columns, batchSize)
			} else {
				src, err = NewParquetSource(nr, batchSize)
			}
			if err != nil {
				_ = nr.Close()
				return nil, err
			}
			return src, nil
		default:
			_ = nr.Close()
			return nil, operators.ErrConfig("unsupported s3 object format %q", format)
		}
	}
}
