package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"groupstat-go/config"
	"groupstat-go/logging"
	"groupstat-go/operators"
	"groupstat-go/operators/aggr"
	"groupstat-go/operators/project"
	"groupstat-go/outlier"
	"groupstat-go/sink"

	"github.com/apache/arrow/go/v17/arrow"
)

const envFile = ".env"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: groupstat <config.yaml>")
		return 2
	}
	if err := config.Decode(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if err := config.LoadSecrets(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "secrets: %v\n", err)
		return 2
	}
	cfg := config.GetConfig()
	if err := logging.Init(logging.Config{
		Level:      logging.Level(strings.ToUpper(cfg.Logging.Level)),
		OutputPath: cfg.Logging.OutputPath,
		Format:     cfg.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 2
	}
	defer func() { _ = logging.Close() }()

	log := logging.GetLogger()
	if err := execute(ctx, cfg); err != nil {
		log.Error("run failed", "mode", cfg.Engine.Mode, "error", err)
		if errors.Is(err, operators.ErrInvalidConfiguration) {
			return 2
		}
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg *config.Config) error {
	open, err := sourceOpener(cfg)
	if err != nil {
		return err
	}
	var (
		schema  *arrow.Schema
		batches []*operators.RecordBatch
	)
	switch strings.ToLower(cfg.Engine.Mode) {
	case "outlier":
		settings, err := outlierSettings(cfg)
		if err != nil {
			return err
		}
		det, err := outlier.NewDetector(settings)
		if err != nil {
			return err
		}
		res, err := det.Run(ctx, open)
		if err != nil {
			return err
		}
		defer func() { _ = res.Close() }()
		schema, batches = res.Schema, res.Batches
	case "groupby":
		gcfg, err := groupByConfig(cfg)
		if err != nil {
			return err
		}
		schema, batches, err = runGroupBy(ctx, open, gcfg)
		if err != nil {
			return err
		}
		defer func() {
			for _, b := range batches {
				b.Release()
			}
		}()
	default:
		return operators.ErrConfig("unknown engine mode %q", cfg.Engine.Mode)
	}
	return writeResult(ctx, cfg, schema, batches)
}

func sourceOpener(cfg *config.Config) (operators.Opener, error) {
	src := cfg.Source
	if src.Path == "" {
		return nil, operators.ErrConfig("source.path is required")
	}
	csvOpts := []project.CSVOption{project.WithNullValues(src.NullValues...)}
	switch strings.ToLower(src.Kind) {
	case "csv":
		return project.CSVFileOpener(src.Path, csvOpts...), nil
	case "parquet":
		return project.ParquetFileOpener(src.Path, src.Columns, src.ParquetBatchSize), nil
	case "s3":
		switch strings.ToLower(src.Format) {
		case "", "csv":
			return project.S3Opener(src.Path, project.MimeCSV, csvOpts, nil, 0), nil
		case "parquet":
			return project.S3Opener(src.Path, project.MimeParquet, nil, src.Columns, src.ParquetBatchSize), nil
		default:
			return nil, operators.ErrConfig("unsupported s3 object format %q", src.Format)
		}
	default:
		return nil, operators.ErrConfig("unknown source kind %q", src.Kind)
	}
}

func batchSize(n int) (uint16, error) {
	if n < 0 || n > 65535 {
		return 0, operators.ErrConfig("engine.batch_size must be within [0, 65535], got %d", n)
	}
	return uint16(n), nil
}

func outlierSettings(cfg *config.Config) (outlier.Settings, error) {
	s := outlier.DefaultSettings()
	var err error
	if s.Treatment, err = outlier.ParseTreatment(cfg.Outlier.Treatment); err != nil {
		return s, err
	}
	if s.Replacement, err = outlier.ParseReplacement(cfg.Outlier.Replacement); err != nil {
		return s, err
	}
	if s.MemoryPolicy, err = aggr.ParseMemoryPolicy(cfg.Engine.MemoryPolicy); err != nil {
		return s, err
	}
	if s.Estimation, err = aggr.ParseEstimationType(cfg.Engine.EstimationType); err != nil {
		return s, err
	}
	if s.BatchSize, err = batchSize(cfg.Engine.BatchSize); err != nil {
		return s, err
	}
	s.GroupColumns = cfg.Engine.GroupColumns
	s.Columns = cfg.Outlier.Columns
	s.IQRScalar = cfg.Outlier.IQRScalar
	s.MaxUniqueValues = cfg.Outlier.MaxUniqueValues
	s.MaxGroups = cfg.Engine.MaxGroups
	s.SpillDir = cfg.Engine.SpillDir
	s.Progress = logProgress("outlier")
	return s, nil
}

func groupByConfig(cfg *config.Config) (aggr.GroupByConfig, error) {
	g := aggr.GroupByConfig{
		GroupColumns:    cfg.Engine.GroupColumns,
		MaxUniqueValues: cfg.Engine.MaxUniqueValues,
		VarianceEpsilon: cfg.Engine.VarianceEpsilon,
		MaxGroups:       cfg.Engine.MaxGroups,
		SortGroups:      cfg.Engine.SortGroups,
		SpillDir:        cfg.Engine.SpillDir,
		Progress:        logProgress("groupby"),
	}
	var err error
	if g.Policy, err = aggr.ParseMemoryPolicy(cfg.Engine.MemoryPolicy); err != nil {
		return g, err
	}
	if g.Estimation, err = aggr.ParseEstimationType(cfg.Engine.EstimationType); err != nil {
		return g, err
	}
	if g.BatchSize, err = batchSize(cfg.Engine.BatchSize); err != nil {
		return g, err
	}
	if len(cfg.Engine.Aggregates) == 0 {
		return g, operators.ErrConfig("engine.aggregates is empty")
	}
	for _, a := range cfg.Engine.Aggregates {
		fn, err := aggr.ParseAggrFunc(a.Func)
		if err != nil {
			return g, err
		}
		agg := aggr.NewQuantileFunction(fn, a.Column, a.Percentile)
		agg.Alias = a.Alias
		g.Aggregates = append(g.Aggregates, agg)
	}
	return g, nil
}

func runGroupBy(ctx context.Context, open operators.Opener, cfg aggr.GroupByConfig) (*arrow.Schema, []*operators.RecordBatch, error) {
	src, err := open()
	if err != nil {
		return nil, nil, err
	}
	exec, err := aggr.NewGroupByExec(ctx, src, cfg)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	defer func() { _ = exec.Close() }()
	var out []*operators.RecordBatch
	for {
		rb, err := exec.Next(1024)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			for _, b := range out {
				b.Release()
			}
			return nil, nil, err
		}
		out = append(out, rb)
	}
	for _, s := range exec.Skipped() {
		logging.WithOperator("groupby").Warn("unique value limit exceeded, result set to missing", "cell", s.String())
	}
	return exec.Schema(), out, nil
}

func writeResult(ctx context.Context, cfg *config.Config, schema *arrow.Schema, batches []*operators.RecordBatch) error {
	switch strings.ToLower(cfg.Sink.Kind) {
	case "", "csv":
		return sink.WriteCSVFile(cfg.Sink.Path, schema, batches)
	case "s3":
		up, err := sink.NewS3Uploader(cfg.Secrets)
		if err != nil {
			return err
		}
		return up.UploadCSV(ctx, cfg.Sink.Path, schema, batches)
	default:
		return operators.ErrConfig("unknown sink kind %q", cfg.Sink.Kind)
	}
}

func logProgress(op string) operators.ProgressFunc {
	log := logging.WithOperator(op)
	return func(fraction float64, message string) {
		log.Debug("progress", "fraction", fraction, "message", message)
	}
}
