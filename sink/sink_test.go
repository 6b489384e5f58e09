package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"groupstat-go/config"
	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func sampleBatches() (*arrow.Schema, []*operators.RecordBatch) {
	rbb := operators.NewRecordBatchBuilder()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "k", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "v", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)
	b1 := &operators.RecordBatch{Schema: schema, RowCount: 2, Columns: []arrow.Array{
		rbb.GenStringArray("a", "b"),
		rbb.GenNullableFloatArray([]float64{1.5, 0}, []bool{true, false}),
	}}
	b2 := &operators.RecordBatch{Schema: schema, RowCount: 1, Columns: []arrow.Array{
		rbb.GenNullableStringArray([]string{""}, []bool{false}),
		rbb.GenFloatArray(7),
	}}
	return schema, []*operators.RecordBatch{b1, b2}
}

const sampleCSV = "k,v\na,1.5\nb,\n,7\n"

func TestWriteCSV(t *testing.T) {
	t.Run("batches", func(t *testing.T) {
		schema, batches := sampleBatches()
		var buf bytes.Buffer
		if err := WriteCSV(&buf, schema, batches); err != nil {
			t.Fatalf("write: %v", err)
		}
		if buf.String() != sampleCSV {
			t.Fatalf("got %q want %q", buf.String(), sampleCSV)
		}
	})
	t.Run("empty table keeps header", func(t *testing.T) {
		schema, _ := sampleBatches()
		var buf bytes.Buffer
		if err := WriteCSV(&buf, schema, nil); err != nil {
			t.Fatalf("write: %v", err)
		}
		if buf.String() != "k,v\n" {
			t.Fatalf("got %q", buf.String())
		}
	})
	t.Run("nil schema", func(t *testing.T) {
		if err := WriteCSV(io.Discard, nil, nil); !errors.Is(err, ErrNoSchema) {
			t.Fatalf("expected ErrNoSchema, got %v", err)
		}
	})
}

func TestWriteCSVFile(t *testing.T) {
	schema, batches := sampleBatches()
	path := filepath.Join(t.TempDir(), "out", "result.csv")
	if err := WriteCSVFile(path, schema, batches); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != sampleCSV {
		t.Fatalf("got %q", string(got))
	}
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Uploader(t *testing.T) {
	t.Run("uploads csv body", func(t *testing.T) {
		schema, batches := sampleBatches()
		fp := &fakePutter{}
		u := &S3Uploader{client: fp, bucket: "results"}
		if err := u.UploadCSV(context.Background(), "runs/1.csv", schema, batches); err != nil {
			t.Fatalf("upload: %v", err)
		}
		if aws.ToString(fp.input.Bucket) != "results" || aws.ToString(fp.input.Key) != "runs/1.csv" {
			t.Fatalf("unexpected target %s/%s", aws.ToString(fp.input.Bucket), aws.ToString(fp.input.Key))
		}
		if string(fp.body) != sampleCSV {
			t.Fatalf("body %q", string(fp.body))
		}
		if aws.ToInt64(fp.input.ContentLength) != int64(len(sampleCSV)) {
			t.Fatalf("content length %d", aws.ToInt64(fp.input.ContentLength))
		}
	})
	t.Run("wraps client error", func(t *testing.T) {
		schema, batches := sampleBatches()
		boom := errors.New("boom")
		u := &S3Uploader{client: &fakePutter{err: boom}, bucket: "results"}
		if err := u.UploadCSV(context.Background(), "k", schema, batches); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped client error, got %v", err)
		}
	})
	t.Run("requires endpoint and bucket", func(t *testing.T) {
		if _, err := NewS3Uploader(config.Secrets{EndpointURL: "localhost:9000"}); !errors.Is(err, ErrMissingBucket) {
			t.Fatalf("expected ErrMissingBucket, got %v", err)
		}
		u, err := NewS3Uploader(config.Secrets{EndpointURL: "localhost:9000", BucketName: "b", Region: "us-east-1"})
		if err != nil || u.bucket != "b" {
			t.Fatalf("unexpected %v %+v", err, u)
		}
	})
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"localhost:9000", false, "http://localhost:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
		{"http://minio:9000", true, "http://minio:9000"},
	}
	for _, c := range cases {
		if got := endpointURL(c.in, c.ssl); got != c.want {
			t.Fatalf("endpointURL(%q, %v) = %q want %q", c.in, c.ssl, got, c.want)
		}
	}
}
