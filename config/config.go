package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigExtension = errors.New("file must be a .yaml or .yml file")
)

type Config struct {
	Engine  engineConfig  `yaml:"engine"`
	Outlier outlierConfig `yaml:"outlier"`
	Source  sourceConfig  `yaml:"source"`
	Sink    sinkConfig    `yaml:"sink"`
	Logging loggingConfig `yaml:"logging"`
	// never read from yaml, see LoadSecrets
	Secrets Secrets `yaml:"-"`
}

type engineConfig struct {
	Mode            string            `yaml:"mode"`          // outlier | groupby
	MemoryPolicy    string            `yaml:"memory_policy"` // in_memory | out_of_core
	MaxUniqueValues int               `yaml:"max_unique_values"`
	MaxGroups       int               `yaml:"max_groups"` // 0 = unbounded
	SortGroups      bool              `yaml:"sort_groups"`
	SpillDir        string            `yaml:"spill_dir"` // empty = in-memory badger
	BatchSize       int               `yaml:"batch_size"`
	EstimationType  string            `yaml:"estimation_type"`
	VarianceEpsilon float64           `yaml:"variance_epsilon"`
	GroupColumns    []string          `yaml:"group_columns"`
	Aggregates      []AggregateConfig `yaml:"aggregates"`
}

type AggregateConfig struct {
	Func       string  `yaml:"func"`
	Column     string  `yaml:"column"`
	Percentile float64 `yaml:"percentile"`
	Alias      string  `yaml:"alias"`
}

type outlierConfig struct {
	Columns     []string `yaml:"columns"`
	IQRScalar   float64  `yaml:"iqr_scalar"`
	Treatment   string   `yaml:"treatment"`   // filter | replace
	Replacement string   `yaml:"replacement"` // missing | clamp
	// caps the buffered quartile sample per group, 0 = unbounded
	MaxUniqueValues int `yaml:"max_unique_values"`
}

type sourceConfig struct {
	Kind             string   `yaml:"kind"`   // csv | parquet | s3
	Path             string   `yaml:"path"`   // local path or object key
	Format           string   `yaml:"format"` // format of an s3 object
	Columns          []string `yaml:"columns"`
	NullValues       []string `yaml:"null_values"`
	ParquetBatchSize int64    `yaml:"parquet_batch_size"`
}

type sinkConfig struct {
	Kind string `yaml:"kind"` // csv | s3
	Path string `yaml:"path"` // "-" for stdout, or object key for s3
}

type loggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

type Secrets struct {
	AccessKey   string
	SecretKey   string
	EndpointURL string
	BucketName  string
	Region      string
	UseSSL      bool
}

func defaultConfig() *Config {
	return &Config{
		Engine: engineConfig{
			Mode:            "outlier",
			MemoryPolicy:    "in_memory",
			MaxUniqueValues: 10000,
			MaxGroups:       0,
			SortGroups:      false,
			SpillDir:        "",
			BatchSize:       1024 * 8, // rows per batch
			EstimationType:  "R_7",
			VarianceEpsilon: 1e8,
		},
		Outlier: outlierConfig{
			IQRScalar:   1.5,
			Treatment:   "filter",
			Replacement: "missing",
		},
		Source: sourceConfig{
			Kind:             "csv",
			NullValues:       []string{"", "NULL"},
			ParquetBatchSize: 1024,
		},
		Sink: sinkConfig{
			Kind: "csv",
			Path: "-",
		},
		Logging: loggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Secrets: Secrets{
			Region: "us-east-1",
			UseSSL: true,
		},
	}
}

var configInstance = defaultConfig()

func GetConfig() *Config {
	return configInstance
}

// Reset restores the defaults.
func Reset() {
	configInstance = defaultConfig()
}

// overwrite global instance with loaded config
func Decode(filePath string) error {
	suffix := strings.TrimPrefix(filepath.Ext(filePath), ".")
	if suffix != "yaml" && suffix != "yml" {
		return ErrConfigExtension
	}
	r, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	config := make(map[string]interface{})
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return mergeConfig(configInstance, config)
}

// LoadSecrets reads object store credentials from envFile (if it exists) and
// then from the process environment, which wins.
func LoadSecrets(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}
	s := &configInstance.Secrets
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		s.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		s.SecretKey = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		s.EndpointURL = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		s.BucketName = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		s.Region = v
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		s.UseSSL = v != "false" && v != "0"
	}
	return nil
}

func mergeConfig(dst *Config, src map[string]interface{}) error {
	// =============================
	// ENGINE
	// =============================
	if engine, ok := src["engine"].(map[string]interface{}); ok {
		if v, ok := engine["mode"].(string); ok {
			dst.Engine.Mode = v
		}
		if v, ok := engine["memory_policy"].(string); ok {
			dst.Engine.MemoryPolicy = v
		}
		if v, ok := engine["max_unique_values"].(int); ok {
			dst.Engine.MaxUniqueValues = v
		}
		if v, ok := engine["max_groups"].(int); ok {
			dst.Engine.MaxGroups = v
		}
		if v, ok := engine["sort_groups"].(bool); ok {
			dst.Engine.SortGroups = v
		}
		if v, ok := engine["spill_dir"].(string); ok {
			dst.Engine.SpillDir = v
		}
		if v, ok := engine["batch_size"].(int); ok {
			dst.Engine.BatchSize = v
		}
		if v, ok := engine["estimation_type"].(string); ok {
			dst.Engine.EstimationType = v
		}
		if v, ok := asFloat(engine["variance_epsilon"]); ok {
			dst.Engine.VarianceEpsilon = v
		}
		if v, ok := asStrings(engine["group_columns"]); ok {
			dst.Engine.GroupColumns = v
		}
		if raw, ok := engine["aggregates"].([]interface{}); ok {
			aggs := make([]AggregateConfig, 0, len(raw))
			for i, item := range raw {
				m, ok := item.(map[string]interface{})
				if !ok {
					return fmt.Errorf("engine.aggregates[%d] must be a mapping", i)
				}
				var a AggregateConfig
				a.Func, _ = m["func"].(string)
				a.Column, _ = m["column"].(string)
				a.Alias, _ = m["alias"].(string)
				a.Percentile, _ = asFloat(m["percentile"])
				aggs = append(aggs, a)
			}
			dst.Engine.Aggregates = aggs
		}
	}

	// =============================
	// OUTLIER
	// =============================
	if outlier, ok := src["outlier"].(map[string]interface{}); ok {
		if v, ok := asStrings(outlier["columns"]); ok {
			dst.Outlier.Columns = v
		}
		if v, ok := asFloat(outlier["iqr_scalar"]); ok {
			dst.Outlier.IQRScalar = v
		}
		if v, ok := outlier["treatment"].(string); ok {
			dst.Outlier.Treatment = v
		}
		if v, ok := outlier["replacement"].(string); ok {
			dst.Outlier.Replacement = v
		}
		if v, ok := outlier["max_unique_values"].(int); ok {
			dst.Outlier.MaxUniqueValues = v
		}
	}

	// =============================
	// SOURCE
	// =============================
	if source, ok := src["source"].(map[string]interface{}); ok {
		if v, ok := source["kind"].(string); ok {
			dst.Source.Kind = v
		}
		if v, ok := source["path"].(string); ok {
			dst.Source.Path = v
		}
		if v, ok := source["format"].(string); ok {
			dst.Source.Format = v
		}
		if v, ok := asStrings(source["columns"]); ok {
			dst.Source.Columns = v
		}
		if v, ok := asStrings(source["null_values"]); ok {
			dst.Source.NullValues = v
		}
		if v, ok := source["parquet_batch_size"].(int); ok {
			dst.Source.ParquetBatchSize = int64(v)
		}
	}

	// =============================
	// SINK
	// =============================
	if sink, ok := src["sink"].(map[string]interface{}); ok {
		if v, ok := sink["kind"].(string); ok {
			dst.Sink.Kind = v
		}
		if v, ok := sink["path"].(string); ok {
			dst.Sink.Path = v
		}
	}

	// =============================
	// LOGGING
	// =============================
	if logging, ok := src["logging"].(map[string]interface{}); ok {
		if v, ok := logging["level"].(string); ok {
			dst.Logging.Level = v
		}
		if v, ok := logging["format"].(string); ok {
			dst.Logging.Format = v
		}
		if v, ok := logging["output_path"].(string); ok {
			dst.Logging.OutputPath = v
		}
	}
	return nil
}

// yaml decodes 1.5 as float64 and 2 as int
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func asStrings(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
