// Package config loads castmatch settings from an optional YAML file and
// CASTMATCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreNeo4j  = "neo4j"
	StoreQdrant = "qdrant"
)

// Lease drivers.
const (
	LeaseLocal = "local"
	LeaseRedis = "redis"
)

type Server struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metricsAddr"`
	CORSOrigin      string        `yaml:"corsOrigin"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Index struct {
	// Dimension of every embedding. 0 learns it from the first record.
	Dimension int `yaml:"dimension"`
	// Codec serializes vectors for the store: json or msgpack.
	Codec string `yaml:"codec"`
}

type Neo4j struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type Qdrant struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

type Store struct {
	Driver    string `yaml:"driver"`
	BadgerDir string `yaml:"badgerDir"`
	Neo4j     Neo4j  `yaml:"neo4j"`
	Qdrant    Qdrant `yaml:"qdrant"`
}

type Model struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerTimeout   time.Duration `yaml:"breakerTimeout"`
}

type Catalog struct {
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	ImageBase string `yaml:"imageBase"`
	// RequestsPerSecond limits catalog and photo requests. 0 disables.
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	MaxPages          int           `yaml:"maxPages"`
	Delay             time.Duration `yaml:"delay"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	MaxPhotoBytes     int64         `yaml:"maxPhotoBytes"`
	FetchAttempts     int           `yaml:"fetchAttempts"`
}

type Query struct {
	TopK          int `yaml:"topK"`
	MaxProbeBytes int `yaml:"maxProbeBytes"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Lease struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  Redis         `yaml:"redis"`
}

type NATS struct {
	// URL of the NATS server. Empty disables run events and the trigger.
	URL string `yaml:"url"`
}

type Ingest struct {
	// Interval between scheduled runs in cmd/ingest. 0 runs once.
	Interval time.Duration `yaml:"interval"`
}

// Config is the full castmatch configuration.
type Config struct {
	LogLevel string  `yaml:"logLevel"`
	Server   Server  `yaml:"server"`
	Index    Index   `yaml:"index"`
	Store    Store   `yaml:"store"`
	Model    Model   `yaml:"model"`
	Catalog  Catalog `yaml:"catalog"`
	Query    Query   `yaml:"query"`
	Lease    Lease   `yaml:"lease"`
	NATS     NATS    `yaml:"nats"`
	Ingest   Ingest  `yaml:"ingest"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: Server{
			Addr:            ":8080",
			MetricsAddr:     ":9091",
			CORSOrigin:      "*",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Index: Index{Dimension: 512, Codec: "json"},
		Store: Store{
			Driver:    StoreMemory,
			BadgerDir: "./data/embeddings",
			Neo4j:     Neo4j{URL: "neo4j://localhost:7687", User: "neo4j", Password: "password"},
			Qdrant:    Qdrant{Addr: "localhost:6334", Collection: "face_embeddings"},
		},
		Model: Model{
			URL:              "http://localhost:5000/embed",
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Catalog: Catalog{
			BaseURL:           "https://api.themoviedb.org/3",
			ImageBase:         "https://image.tmdb.org/t/p/w500",
			RequestsPerSecond: 20,
			Delay:             200 * time.Millisecond,
			FetchTimeout:      20 * time.Second,
			MaxPhotoBytes:     10 << 20,
			FetchAttempts:     3,
		},
		Query: Query{TopK: 5, MaxProbeBytes: 10 << 20},
		Lease: Lease{Driver: LeaseLocal, TTL: time.Minute, Redis: Redis{Addr: "localhost:6379"}},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Path returns the config file named by CASTMATCH_CONFIG, or "".
func Path() string { return os.Getenv("CASTMATCH_CONFIG") }

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	e.strVar("CASTMATCH_LOG_LEVEL", &c.LogLevel)
	e.strVar("CASTMATCH_ADDR", &c.Server.Addr)
	e.strVar("CASTMATCH_METRICS_ADDR", &c.Server.MetricsAddr)
	e.strVar("CASTMATCH_CORS_ORIGIN", &c.Server.CORSOrigin)
	e.int64Var("CASTMATCH_MAX_UPLOAD_BYTES", &c.Server.MaxUploadBytes)
	e.intVar("CASTMATCH_INDEX_DIMENSION", &c.Index.Dimension)
	e.strVar("CASTMATCH_INDEX_CODEC", &c.Index.Codec)
	e.strVar("CASTMATCH_STORE_DRIVER", &c.Store.Driver)
	e.strVar("CASTMATCH_BADGER_DIR", &c.Store.BadgerDir)
	e.strVar("NEO4J_URL", &c.Store.Neo4j.URL)
	e.strVar("NEO4J_USER", &c.Store.Neo4j.User)
	e.strVar("NEO4J_PASS", &c.Store.Neo4j.Password)
	e.strVar("QDRANT_URL", &c.Store.Qdrant.Addr)
	e.strVar("QDRANT_COLLECTION", &c.Store.Qdrant.Collection)
	e.strVar("CASTMATCH_MODEL_URL", &c.Model.URL)
	e.durVar("CASTMATCH_MODEL_TIMEOUT", &c.Model.Timeout)
	e.strVar("CASTMATCH_CATALOG_URL", &c.Catalog.BaseURL)
	e.strVar("TMDB_API_KEY", &c.Catalog.APIKey)
	e.strVar("CASTMATCH_CATALOG_IMAGE_BASE", &c.Catalog.ImageBase)
	e.intVar("CASTMATCH_CATALOG_MAX_PAGES", &c.Catalog.MaxPages)
	e.durVar("CASTMATCH_CATALOG_DELAY", &c.Catalog.Delay)
	e.floatVar("CASTMATCH_CATALOG_RPS", &c.Catalog.RequestsPerSecond)
	e.intVar("CASTMATCH_TOP_K", &c.Query.TopK)
	e.intVar("CASTMATCH_MAX_PROBE_BYTES", &c.Query.MaxProbeBytes)
	e.strVar("CASTMATCH_LEASE_DRIVER", &c.Lease.Driver)
	e.strVar("REDIS_ADDR", &c.Lease.Redis.Addr)
	e.strVar("REDIS_PASSWORD", &c.Lease.Redis.Password)
	e.strVar("NATS_URL", &c.NATS.URL)
	e.durVar("CASTMATCH_INGEST_INTERVAL", &c.Ingest.Interval)
	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) durVar(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = d
	}
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf("config: "+format, args...)) }

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Index.Dimension < 0 {
		bad("index.dimension must be >= 0, got %d", c.Index.Dimension)
	}
	switch c.Index.Codec {
	case "", "json", "msgpack":
	default:
		bad("index.codec %q is not json or msgpack", c.Index.Codec)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreNeo4j:
	case StoreBadger:
		if c.Store.BadgerDir == "" {
			bad("store.badgerDir is required for the badger driver")
		}
	case StoreQdrant:
		if c.Index.Dimension == 0 {
			bad("index.dimension is required for the qdrant driver")
		}
	default:
		bad("store.driver %q is not one of memory, badger, neo4j, qdrant", c.Store.Driver)
	}
	switch c.Lease.Driver {
	case LeaseLocal, LeaseRedis:
	default:
		bad("lease.driver %q is not local or redis", c.Lease.Driver)
	}
	if c.Model.URL == "" {
		bad("model.url is required")
	}
	if c.Catalog.BaseURL == "" {
		bad("catalog.baseURL is required")
	}
	if c.Catalog.Delay < 0 {
		bad("catalog.delay must be >= 0")
	}
	if c.Catalog.MaxPages < 0 {
		bad("catalog.maxPages must be >= 0")
	}
	if c.Query.TopK < 1 {
		bad("query.topK must be >= 1, got %d", c.Query.TopK)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: logLevel: %w", err)
	}
	return l, nil
}

// Logger builds the JSON logger the binaries install as default.
func (c Config) Logger() *slog.Logger {
	level, _ := c.SlogLevel()
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
