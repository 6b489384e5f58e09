package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"groupstat-go/logging"
	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

var (
	_ = (operators.Operator)(&ParquetSource{})
	_ = (operators.RowCounter)(&ParquetSource{})
)

var ErrNoProjectionColumns = errors.New("no columns were provided for projection push down")

type ParquetSource struct {
	schema             *arrow.Schema
	projectionPushDown []string // columns to project up
	fileReader         *file.Reader
	reader             pqarrow.RecordReader
	mem                memory.Allocator
	// record being handed out in slices, and how far we got into it
	pending arrow.Record
	offset  int64
	done    bool // if set to true always return io.EOF
}

// NewParquetSource reads every column. batchSize is the parquet read batch, not
// the size of the batches returned by Next. Closing the source closes r if it
// is an io.Closer.
func NewParquetSource(r parquet.ReaderAtSeeker, batchSize int64) (*ParquetSource, error) {
	return newParquetSource(r, nil, batchSize)
}

// NewParquetSourcePushDown only decodes the listed columns, in the given order.
func NewParquetSourcePushDown(r parquet.ReaderAtSeeker, columns []string, batchSize int64) (*ParquetSource, error) {
	if len(columns) == 0 {
		return nil, ErrNoProjectionColumns
	}
	return newParquetSource(r, columns, batchSize)
}

func newParquetSource(r parquet.ReaderAtSeeker, columns []string, batchSize int64) (*ParquetSource, error) {
	allocator := memory.NewGoAllocator()
	fileReader, err := file.NewParquetReader(r)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 1024
	}
	arrowReader, err := pqarrow.NewFileReader(
		fileReader,
		pqarrow.ArrowReadProperties{Parallel: true, BatchSize: batchSize},
		allocator,
	)
	if err != nil {
		_ = fileReader.Close()
		return nil, err
	}
	var wantedColumnsIDX []int
	if len(columns) > 0 {
		s, err := arrowReader.Schema()
		if err != nil {
			_ = fileReader.Close()
			return nil, err
		}
		for _, col := range columns {
			idxArray := s.FieldIndices(col)
			if len(idxArray) == 0 {
				_ = fileReader.Close()
				return nil, ErrProjectColumnNotFound(col)
			}
			wantedColumnsIDX = append(wantedColumnsIDX, idxArray...)
		}
	}
	rdr, err := arrowReader.GetRecordReader(context.TODO(), wantedColumnsIDX, nil)
	if err != nil {
		_ = fileReader.Close()
		return nil, err
	}
	return &ParquetSource{
		schema:             rdr.Schema(),
		projectionPushDown: columns,
		fileReader:         fileReader,
		reader:             rdr,
		mem:                allocator,
	}, nil
}

// ParquetFileOpener reopens path for every scan.
func ParquetFileOpener(path string, columns []string, batchSize int64) operators.Opener {
	return func() (operators.Operator, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		var src *ParquetSource
		if len(columns) > 0 {
			src, err = NewParquetSourcePushDown(f, columns, batchSize)
		} else {
			src, err = NewParquetSource(f, batchSize)
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("parquet source %s: %w", path, err)
		}
		return src, nil
	}
}

func (ps *ParquetSource) NumRows() int64 {
	if ps.fileReader == nil {
		return 0
	}
	return ps.fileReader.NumRows()
}

// Next returns at most n rows, slicing across the reader's records.
func (ps *ParquetSource) Next(n uint16) (*operators.RecordBatch, error) {
	if ps.reader == nil || ps.done {
		return nil, io.EOF
	}
	var parts [][]arrow.Array
	rows := int64(0)
	for rows < int64(n) {
		if ps.pending == nil {
			if !ps.reader.Next() {
				if err := ps.reader.Err(); err != nil && !errors.Is(err, io.EOF) {
					return nil, err
				}
				break
			}
			ps.pending = ps.reader.Record()
			ps.pending.Retain()
			ps.offset = 0
		}
		take := min(int64(n)-rows, ps.pending.NumRows()-ps.offset)
		slice := ps.pending.NewSlice(ps.offset, ps.offset+take)
		parts = append(parts, slice.Columns())
		for _, c := range slice.Columns() {
			c.Retain()
		}
		slice.Release()
		ps.offset += take
		rows += take
		if ps.offset >= ps.pending.NumRows() {
			ps.pending.Release()
			ps.pending = nil
		}
	}
	if rows == 0 {
		ps.done = true
		return nil, io.EOF
	}
	columns := make([]arrow.Array, ps.schema.NumFields())
	for i := range columns {
		if len(parts) == 1 {
			columns[i] = parts[0][i]
			continue
		}
		chunks := make([]arrow.Array, len(parts))
		for j := range parts {
			chunks[j] = parts[j][i]
		}
		combined, err := array.Concatenate(chunks, ps.mem)
		operators.ReleaseArrays(chunks)
		if err != nil {
			return nil, err
		}
		columns[i] = combined
	}
	return &operators.RecordBatch{
		Schema:   ps.schema,
		Columns:  columns,
		RowCount: uint64(rows),
	}, nil
}

func (ps *ParquetSource) Close() error {
	if ps.pending != nil {
		ps.pending.Release()
		ps.pending = nil
	}
	if ps.reader != nil {
		ps.reader.Release()
		ps.reader = nil
	}
	// the file reader also closes the underlying file or object when it is an io.Closer
	if ps.fileReader != nil {
		err := ps.fileReader.Close()
		ps.fileReader = nil
		if err != nil {
			logging.WithComponent("parquet").Warn("failed to close parquet reader", "err", err)
			return err
		}
	}
	return nil
}

func (ps *ParquetSource) Schema() *arrow.Schema {
	return ps.schema
}
