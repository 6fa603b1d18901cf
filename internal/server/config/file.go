package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dmitrijs2005/mailvault/internal/flagx"
	"github.com/dmitrijs2005/mailvault/internal/timex"
)

// FileConfig is the on-disk shape of the configuration. It uses
// timex.Duration for interval fields, which accepts both "1s" style strings
// and integer nanoseconds.
//
// Only fields present in the file override the current values.
type FileConfig struct {
	EndpointAddrGRPC            string          `json:"endpoint_addr_grpc" toml:"endpoint_addr_grpc"`
	MetricsAddr                 *string         `json:"metrics_addr" toml:"metrics_addr"`
	LogLevel                    string          `json:"log_level" toml:"log_level"`
	DatabaseDSN                 string          `json:"database_dsn" toml:"database_dsn"`
	SecretKey                   string          `json:"secret_key" toml:"secret_key"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration" toml:"access_token_validity_duration"`

	S3RootUser         string `json:"s3_root_user" toml:"s3_root_user"`
	S3RootPassword     string `json:"s3_root_password" toml:"s3_root_password"`
	S3Bucket           string `json:"s3_bucket" toml:"s3_bucket"`
	S3Region           string `json:"s3_region" toml:"s3_region"`
	S3BaseEndpoint     string `json:"s3_base_endpoint" toml:"s3_base_endpoint"`
	BlobThresholdBytes *int   `json:"blob_threshold_bytes" toml:"blob_threshold_bytes"`

	KDF *struct {
		Time      uint32 `json:"time" toml:"time"`
		MemoryKiB uint32 `json:"memory_kib" toml:"memory_kib"`
		Threads   uint8  `json:"threads" toml:"threads"`
	} `json:"kdf" toml:"kdf"`

	Jobs *struct {
		Workers        *int            `json:"workers" toml:"workers"`
		QueueSize      *int            `json:"queue_size" toml:"queue_size"`
		MaxAttempts    *int            `json:"max_attempts" toml:"max_attempts"`
		RetryBaseDelay *timex.Duration `json:"retry_base_delay" toml:"retry_base_delay"`
		RetryMaxDelay  *timex.Duration `json:"retry_max_delay" toml:"retry_max_delay"`
		Retention      *timex.Duration `json:"retention" toml:"retention"`
	} `json:"jobs" toml:"jobs"`

	Sync *struct {
		ReconcileBatchSize      *int            `json:"reconcile_batch_size" toml:"reconcile_batch_size"`
		ReconcileBatchThreshold *int            `json:"reconcile_batch_threshold" toml:"reconcile_batch_threshold"`
		FolderParallelism       *int            `json:"folder_parallelism" toml:"folder_parallelism"`
		FetchRate               *float64        `json:"fetch_rate" toml:"fetch_rate"`
		FetchBurst              *int            `json:"fetch_burst" toml:"fetch_burst"`
		MaxMessages             *int            `json:"max_messages" toml:"max_messages"`
		DialTimeout             *timex.Duration `json:"dial_timeout" toml:"dial_timeout"`
	} `json:"sync" toml:"sync"`

	Embedding *struct {
		Endpoint   *string         `json:"endpoint" toml:"endpoint"`
		Dimensions *int            `json:"dimensions" toml:"dimensions"`
		CacheTTL   *timex.Duration `json:"cache_ttl" toml:"cache_ttl"`
	} `json:"embedding" toml:"embedding"`

	Downstream *struct {
		QueueSize  *int `json:"queue_size" toml:"queue_size"`
		MinSamples *int `json:"min_samples" toml:"min_samples"`
	} `json:"downstream" toml:"downstream"`
}

// parseFile loads configuration values from a JSON or TOML file into the
// provided Config instance.
//
// The file path comes from the -c or -config command-line flags. If it is
// not set, nothing is loaded. Files ending in .toml are decoded as TOML,
// everything else as JSON. If the file cannot be read or decoded, the
// function panics.
func parseFile(config *Config) {
	path := flagx.ConfigFileFlag()

	// nothing to load
	if path == "" {
		return
	}

	fc, err := decodeFile(path)
	if err != nil {
		panic(err)
	}
	fc.apply(config)
}

func decodeFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fc := &FileConfig{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), fc)
	} else {
		err = json.Unmarshal(data, fc)
	}
	if err != nil {
		return nil, err
	}
	return fc, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.EndpointAddrGRPC, fc.EndpointAddrGRPC)
	setPtr(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.DatabaseDSN, fc.DatabaseDSN)
	setString(&c.SecretKey, fc.SecretKey)
	setDuration(&c.AccessTokenValidityDuration, fc.AccessTokenValidityDuration)

	setString(&c.S3RootUser, fc.S3RootUser)
	setString(&c.S3RootPassword, fc.S3RootPassword)
	setString(&c.S3Bucket, fc.S3Bucket)
	setString(&c.S3Region, fc.S3Region)
	setString(&c.S3BaseEndpoint, fc.S3BaseEndpoint)
	setPtr(&c.BlobThresholdBytes, fc.BlobThresholdBytes)

	if k := fc.KDF; k != nil {
		c.KDFTime, c.KDFMemoryKiB, c.KDFThreads = k.Time, k.MemoryKiB, k.Threads
	}

	if j := fc.Jobs; j != nil {
		setPtr(&c.Workers, j.Workers)
		setPtr(&c.QueueSize, j.QueueSize)
		setPtr(&c.MaxAttempts, j.MaxAttempts)
		setDuration(&c.RetryBaseDelay, j.RetryBaseDelay)
		setDuration(&c.RetryMaxDelay, j.RetryMaxDelay)
		setDuration(&c.JobRetention, j.Retention)
	}

	if s := fc.Sync; s != nil {
		setPtr(&c.ReconcileBatchSize, s.ReconcileBatchSize)
		setPtr(&c.ReconcileBatchThreshold, s.ReconcileBatchThreshold)
		setPtr(&c.FolderParallelism, s.FolderParallelism)
		setPtr(&c.FetchRate, s.FetchRate)
		setPtr(&c.FetchBurst, s.FetchBurst)
		setPtr(&c.MaxMessagesPerSync, s.MaxMessages)
		setDuration(&c.MailboxDialTimeout, s.DialTimeout)
	}

	if e := fc.Embedding; e != nil {
		setPtr(&c.EmbeddingEndpoint, e.Endpoint)
		setPtr(&c.EmbeddingDimensions, e.Dimensions)
		setDuration(&c.EmbeddingCacheTTL, e.CacheTTL)
	}

	if d := fc.Downstream; d != nil {
		setPtr(&c.DownstreamQueueSize, d.QueueSize)
		setPtr(&c.DownstreamMinSamples, d.MinSamples)
	}
}
