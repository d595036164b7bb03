// Package config loads the JSON configuration of a place recognition dataset:
// where it lives, how it is split, decoded and batched.
//
// Every section and field is optional; missing values take the defaults
// returned by Defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Noofbiz/placeset/datasets"
	"github.com/Noofbiz/placeset/loader"
	"github.com/Noofbiz/placeset/storage"
	"github.com/pkg/errors"
)

// MaxFileSize bounds the size of a configuration file.
const MaxFileSize = 1 << 20

// Split policy names.
const (
	SplitDefault  = "default"
	SplitCSV      = "csv"
	SplitSessions = "sessions"
	SplitHash     = "hash"
	SplitRegion   = "region"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

// Config is the whole configuration file.
type Config struct {
	Dataset    *DatasetConfig    `json:"dataset"`
	Image      *ImageConfig      `json:"image"`
	PointCloud *PointCloudConfig `json:"pointcloud"`
	Split      *SplitConfig      `json:"split"`
	Storage    *StorageConfig    `json:"storage"`
	Cache      *CacheConfig      `json:"cache"`
	Loader     *LoaderConfig     `json:"loader"`
	Collate    *CollateConfig    `json:"collate"`
}

// DatasetConfig holds the construction parameters of the dataset.
type DatasetConfig struct {
	Root              string   `json:"root"`
	Subset            string   `json:"subset"`
	DataToLoad        []string `json:"data_to_load"`
	PositiveThreshold *float64 `json:"positive_threshold"`
	NegativeThreshold *float64 `json:"negative_threshold"`
}

// ImageConfig sets the size frames are resized to. 0x0 keeps the stored size.
type ImageConfig struct {
	Width  *int `json:"width"`
	Height *int `json:"height"`
}

// PointCloudConfig mirrors datasets.PointCloudOptions.
type PointCloudConfig struct {
	PointStride  *int     `json:"point_stride"`
	CoordLimit   *float64 `json:"coord_limit"`
	MaxDistance  *float64 `json:"max_distance"`
	UseIntensity *bool    `json:"use_intensity"`
}

// SplitConfig selects the split policy and its parameters.
type SplitConfig struct {
	// Policy is one of "default", "csv", "sessions", "hash" or "region". "csv"
	// reads <root>/{train,val,test}.csv.
	Policy string `json:"policy"`

	// Sessions of the "sessions" policy.
	Train []string `json:"train"`
	Val   []string `json:"val"`
	Test  []string `json:"test"`

	// Percentages of the "hash" policy.
	ValPercent  *int `json:"val_percent"`
	TestPercent *int `json:"test_percent"`

	// Regions of the "region" policy.
	ValRegions  []datasets.Region `json:"val_regions"`
	TestRegions []datasets.Region `json:"test_regions"`
	Buffer      *float64          `json:"buffer"`
}

// StorageConfig selects where artifacts are read from. String fields are
// expanded with os.ExpandEnv, so credentials can stay out of the file.
type StorageConfig struct {
	Backend        string `json:"backend"`
	Endpoint       string `json:"endpoint"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	Prefix         string `json:"prefix"`
	Secure         *bool  `json:"secure"`
	RequestTimeout string `json:"request_timeout"`
}

// CacheConfig configures the in-memory artifact cache.
type CacheConfig struct {
	Enabled    *bool  `json:"enabled"`
	MaxEntries *int   `json:"max_entries"`
	TTL        string `json:"ttl"`
}

// LoaderConfig mirrors loader.Options.
type LoaderConfig struct {
	BatchSize *int    `json:"batch_size"`
	DropLast  *bool   `json:"drop_last"`
	Shuffle   *bool   `json:"shuffle"`
	Seed      *uint64 `json:"seed"`
	Workers   *int    `json:"workers"`
	Prefetch  *int    `json:"prefetch"`
}

// CollateConfig mirrors datasets.CollateOptions.
type CollateConfig struct {
	QuantizationSize *float64 `json:"quantization_size"`
}

func ptr[T any](v T) *T { return &v }

// Defaults returns the configuration used when a file sets nothing.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every missing section and field.
func (c *Config) applyDefaults() {
	if c.Dataset == nil {
		c.Dataset = &DatasetConfig{}
	}
	d := c.Dataset
	if d.Subset == "" {
		d.Subset = datasets.SubsetTrain
	}
	if d.PositiveThreshold == nil {
		d.PositiveThreshold = ptr(datasets.DefaultPositiveThreshold)
	}
	if d.NegativeThreshold == nil {
		d.NegativeThreshold = ptr(datasets.DefaultNegativeThreshold)
	}

	if c.Image == nil {
		c.Image = &ImageConfig{}
	}
	if c.Image.Width == nil {
		c.Image.Width = ptr(datasets.DefaultImageWidth)
	}
	if c.Image.Height == nil {
		c.Image.Height = ptr(datasets.DefaultImageHeight)
	}

	if c.PointCloud == nil {
		c.PointCloud = &PointCloudConfig{}
	}
	pc, def := c.PointCloud, datasets.DefaultPointCloudOptions()
	if pc.PointStride == nil {
		pc.PointStride = ptr(def.PointStride)
	}
	if pc.CoordLimit == nil {
		pc.CoordLimit = ptr(def.CoordLimit)
	}
	if pc.MaxDistance == nil {
		pc.MaxDistance = ptr(def.MaxDistance)
	}
	if pc.UseIntensity == nil {
		pc.UseIntensity = ptr(def.UseIntensity)
	}

	if c.Split == nil {
		c.Split = &SplitConfig{}
	}
	if c.Split.Policy == "" {
		c.Split.Policy = SplitDefault
	}
	if c.Split.ValPercent == nil {
		c.Split.ValPercent = ptr(10)
	}
	if c.Split.TestPercent == nil {
		c.Split.TestPercent = ptr(10)
	}
	if c.Split.Buffer == nil {
		c.Split.Buffer = ptr(datasets.DefaultNegativeThreshold)
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.Secure == nil {
		c.Storage.Secure = ptr(true)
	}
	if c.Storage.RequestTimeout == "" {
		c.Storage.RequestTimeout = storage.DefaultRequestTimeout.String()
	}

	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.Enabled == nil {
		// On by default for remote backends only.
		c.Cache.Enabled = ptr(c.Storage.Backend == BackendMinio)
	}
	if c.Cache.MaxEntries == nil {
		c.Cache.MaxEntries = ptr(storage.DefaultCacheEntries)
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = storage.DefaultCacheTTL.String()
	}

	if c.Loader == nil {
		c.Loader = &LoaderConfig{}
	}
	l, ldef := c.Loader, loader.DefaultOptions()
	if l.BatchSize == nil {
		l.BatchSize = ptr(ldef.BatchSize)
	}
	if l.DropLast == nil {
		l.DropLast = ptr(ldef.DropLast)
	}
	if l.Shuffle == nil {
		l.Shuffle = ptr(ldef.Shuffle)
	}
	if l.Seed == nil {
		l.Seed = ptr(ldef.Seed)
	}
	if l.Workers == nil {
		l.Workers = ptr(runtime.NumCPU())
	}
	if l.Prefetch == nil {
		l.Prefetch = ptr(2 * *l.Workers)
	}

	if c.Collate == nil {
		c.Collate = &CollateConfig{}
	}
	if c.Collate.QuantizationSize == nil {
		c.Collate.QuantizationSize = ptr(datasets.DefaultQuantizationSize)
	}
}

// Load reads and validates a configuration file. The path must have a .json
// extension and the file must not exceed MaxFileSize.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, errors.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat config file")
	}
	if info.Size() > MaxFileSize {
		return nil, errors.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes, completes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config JSON")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks a configuration with all defaults applied.
func (c *Config) Validate() error {
	if !datasets.IsSubset(c.Dataset.Subset) {
		return errors.Errorf("dataset.subset %q is not one of %v", c.Dataset.Subset, datasets.Subsets)
	}
	if *c.Dataset.PositiveThreshold < 0 || *c.Dataset.PositiveThreshold > *c.Dataset.NegativeThreshold {
		return errors.Errorf("dataset thresholds must satisfy 0 <= positive (%g) <= negative (%g)",
			*c.Dataset.PositiveThreshold, *c.Dataset.NegativeThreshold)
	}
	if w, h := *c.Image.Width, *c.Image.Height; w < 0 || h < 0 || (w == 0) != (h == 0) {
		return errors.Errorf("image size %dx%d is invalid: both must be positive, or both 0", w, h)
	}
	if err := c.pointCloudOptions().Validate(); err != nil {
		return errors.WithMessage(err, "pointcloud")
	}
	if err := c.collateOptions().Validate(); err != nil {
		return errors.WithMessage(err, "collate")
	}

	switch c.Split.Policy {
	case SplitDefault, SplitCSV, SplitSessions, SplitRegion:
	case SplitHash:
		if err := c.hashSplit().Validate(); err != nil {
			return errors.WithMessage(err, "split")
		}
	default:
		return errors.Errorf("split.policy %q is not one of default, csv, sessions, hash, region", c.Split.Policy)
	}
	if *c.Split.Buffer < 0 {
		return errors.Errorf("split.buffer must be non-negative, got %g", *c.Split.Buffer)
	}

	switch c.Storage.Backend {
	case BackendLocal:
	case BackendMinio:
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return errors.New("storage: the minio backend needs an endpoint and a bucket")
		}
	default:
		return errors.Errorf("storage.backend %q is not one of local, minio", c.Storage.Backend)
	}
	if _, err := parseDuration(c.Storage.RequestTimeout); err != nil {
		return errors.WithMessage(err, "storage.request_timeout")
	}
	if _, err := parseDuration(c.Cache.TTL); err != nil {
		return errors.WithMessage(err, "cache.ttl")
	}
	if *c.Cache.MaxEntries <= 0 {
		return errors.Errorf("cache.max_entries must be positive, got %d", *c.Cache.MaxEntries)
	}

	if *c.Loader.BatchSize <= 0 || *c.Loader.Workers < 0 || *c.Loader.Prefetch < 0 {
		return errors.Errorf("loader: batch_size (%d) must be positive, workers (%d) and prefetch (%d) non-negative",
			*c.Loader.BatchSize, *c.Loader.Workers, *c.Loader.Prefetch)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	if d <= 0 {
		return 0, errors.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func (c *Config) pointCloudOptions() datasets.PointCloudOptions {
	return datasets.PointCloudOptions{
		PointStride:  *c.PointCloud.PointStride,
		CoordLimit:   *c.PointCloud.CoordLimit,
		MaxDistance:  *c.PointCloud.MaxDistance,
		UseIntensity: *c.PointCloud.UseIntensity,
	}
}

func (c *Config) collateOptions() datasets.CollateOptions {
	return datasets.CollateOptions{QuantizationSize: *c.Collate.QuantizationSize}
}

func (c *Config) hashSplit() datasets.HashSplit {
	return datasets.HashSplit{ValPercent: *c.Split.ValPercent, TestPercent: *c.Split.TestPercent}
}

// SplitPolicy returns the configured split policy for root.
func (c *Config) SplitPolicy(root string) (datasets.SplitPolicy, error) {
	switch c.Split.Policy {
	case SplitCSV:
		return datasets.LoadSubsetCSVSplit(root)
	case SplitSessions:
		return datasets.NewSessionSplit(c.Split.Train, c.Split.Val, c.Split.Test)
	case SplitHash:
		return c.hashSplit(), nil
	case SplitRegion:
		return datasets.RegionSplit{Val: c.Split.ValRegions, Test: c.Split.TestRegions, Buffer: *c.Split.Buffer}, nil
	default:
		return datasets.DefaultSplitPolicy(root)
	}
}

// Store opens the configured artifact store for root, wrapped in a cache if
// enabled.
func (c *Config) Store(root string) (storage.Store, error) {
	var store storage.Store
	switch c.Storage.Backend {
	case BackendMinio:
		timeout, err := parseDuration(c.Storage.RequestTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.NewMinioStore(storage.MinioOptions{
			Endpoint:       os.ExpandEnv(c.Storage.Endpoint),
			AccessKey:      os.ExpandEnv(c.Storage.AccessKey),
			SecretKey:      os.ExpandEnv(c.Storage.SecretKey),
			Secure:         *c.Storage.Secure,
			Region:         os.ExpandEnv(c.Storage.Region),
			Bucket:         os.ExpandEnv(c.Storage.Bucket),
			Prefix:         os.ExpandEnv(c.Storage.Prefix),
			RequestTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		store = storage.NewLocalStore(root)
	}
	if *c.Cache.Enabled {
		ttl, err := parseDuration(c.Cache.TTL)
		if err != nil {
			return nil, err
		}
		store = storage.NewCachingStore(store, *c.Cache.MaxEntries, ttl)
	}
	return store, nil
}

// DatasetOptions turns the configuration into options of
// datasets.NewPlaceRecognitionDataset for root. The catalog itself (track.csv
// files) is always read from root on the local file system.
func (c *Config) DatasetOptions(root string) ([]datasets.Option, error) {
	policy, err := c.SplitPolicy(root)
	if err != nil {
		return nil, err
	}
	store, err := c.Store(root)
	if err != nil {
		return nil, err
	}
	return []datasets.Option{
		datasets.WithSplitPolicy(policy),
		datasets.WithStore(store),
		datasets.WithImageSize(*c.Image.Width, *c.Image.Height),
		datasets.WithPointCloudOptions(c.pointCloudOptions()),
		datasets.WithThresholds(*c.Dataset.PositiveThreshold, *c.Dataset.NegativeThreshold),
		datasets.WithCollateOptions(c.collateOptions()),
	}, nil
}

// LoaderOptions returns the configured loader options.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		BatchSize: *c.Loader.BatchSize,
		DropLast:  *c.Loader.DropLast,
		Shuffle:   *c.Loader.Shuffle,
		Seed:      *c.Loader.Seed,
		Workers:   *c.Loader.Workers,
		Prefetch:  *c.Loader.Prefetch,
	}
}

// Open builds the configured dataset. root and subset override the file's
// dataset.root and dataset.subset when not empty; extra options are applied
// last.
func (c *Config) Open(root, subset string, extra ...datasets.Option) (*datasets.PlaceRecognitionDataset, error) {
	if root == "" {
		root = c.Dataset.Root
	}
	if root == "" {
		return nil, errors.New("no dataset root configured")
	}
	if subset == "" {
		subset = c.Dataset.Subset
	}
	opts, err := c.DatasetOptions(root)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset_root=%q", root)
	}
	return datasets.NewPlaceRecognitionDataset(root, subset, c.Dataset.DataToLoad, append(opts, extra...)...)
}
