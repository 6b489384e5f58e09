package sink

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/csv"
)

// StdoutPath selects standard output as the CSV destination.
const StdoutPath = "-"

var ErrNoSchema = errors.New("sink: schema is required")

// WriteCSV writes a header and every batch to w. Missing cells are written as
// empty fields.
func WriteCSV(w io.Writer, schema *arrow.Schema, batches []*operators.RecordBatch) error {
	if schema == nil {
		return ErrNoSchema
	}
	cw := csv.NewWriter(w, schema, csv.WithHeader(true), csv.WithNullWriter(""))
	for _, b := range batches {
		rec := b.ToRecord()
		err := cw.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	// the header is only written with the first record
	if len(batches) == 0 {
		if err := writeHeaderOnly(w, schema); err != nil {
			return err
		}
	}
	return cw.Flush()
}

func writeHeaderOnly(w io.Writer, schema *arrow.Schema) error {
	bw := bufio.NewWriter(w)
	for i, f := range schema.Fields() {
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString(f.Name); err != nil {
			return err
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteCSVFile writes to path, or to stdout for StdoutPath. Parent
// directories are created.
func WriteCSVFile(path string, schema *arrow.Schema, batches []*operators.RecordBatch) (err error) {
	if path == StdoutPath || path == "" {
		return WriteCSV(os.Stdout, schema, batches)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteCSV(f, schema, batches)
}
