package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds SQL connection settings. SQLitePath is used by the sqlite backend.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
	SQLitePath         string
}

// MinIOConfig holds object storage settings. An empty endpoint selects the in-memory store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RepositoryConfig selects the document storage backend.
type RepositoryConfig struct {
	Name      string
	Backend   string
	TypesFile string
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongoDB  = "mongodb"
)

// MongoConfig holds the document store settings of the mongodb backend.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	TimeoutSec int
}

// RedisConfig is shared by the work queuing and the cache. An empty address disables Redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// WorkConfig tunes the asynchronous work manager.
type WorkConfig struct {
	Queuing        string
	DefaultThreads int
}

// CacheConfig tunes the document cache.
type CacheConfig struct {
	TTLSec     int
	MaxEntries int
}

// AppConfig is the centralized configuration struct for the application.
type AppConfig struct {
	AppHost            string
	Port               string
	Location           *time.Location
	LogLevel           string
	StatusKey          string
	PIDFile            string
	PathSegmentMaxSize int
	Repository         RepositoryConfig
	Database           DatabaseConfig
	MinIO              MinIOConfig
	Mongo              MongoConfig
	Redis              RedisConfig
	Work               WorkConfig
	Cache              CacheConfig
}

var (
	mu   sync.Mutex
	conf = newViper()
)

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
func Load() *AppConfig {
	mu.Lock()
	defer mu.Unlock()
	conf = newViper()
	return build()
}

// LoadFile reads a configuration file (properties, yaml, toml or json; unknown extensions
// are read as properties) whose keys are the environment variable names. Environment
// variables take precedence over the file.
func LoadFile(path string) (*AppConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "yaml", "yml", "toml", "json", "properties", "props", "prop", "env", "ini":
	default:
		v.SetConfigType("properties")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	conf = v
	return build(), nil
}

func build() *AppConfig {
	loc, err := time.LoadLocation(getEnv("APP_TIMEZONE", "UTC"))
	if err != nil {
		loc = time.UTC
	}
	return &AppConfig{
		AppHost:            getEnv("APP_HOST", "localhost:8080"),
		Port:               getEnv("PORT", "8080"),
		Location:           loc,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		StatusKey:          getEnv("STATUS_KEY", ""),
		PIDFile:            getEnv("PID_FILE", filepath.Join(".", "ecm.pid")),
		PathSegmentMaxSize: getEnvInt("PATH_SEGMENT_MAXSIZE", 24),
		Repository: RepositoryConfig{
			Name:      getEnv("REPOSITORY_NAME", "default"),
			Backend:   strings.ToLower(getEnv("REPOSITORY_BACKEND", BackendSQLite)),
			TypesFile: getEnv("REPOSITORY_TYPES_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
			SQLitePath:         getEnv("SQLITE_PATH", "ecm.db"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "ecm"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database:   getEnv("MONGODB_DATABASE", "ecm"),
			Collection: getEnv("MONGODB_COLLECTION", "default"),
			TimeoutSec: getEnvInt("MONGODB_TIMEOUT", 10),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			Namespace: getEnv("REDIS_NAMESPACE", "ecm:"),
		},
		Work: WorkConfig{
			Queuing:        strings.ToLower(getEnv("WORK_QUEUING", "memory")),
			DefaultThreads: getEnvInt("WORK_DEFAULT_THREADS", 4),
		},
		Cache: CacheConfig{
			TTLSec:     getEnvInt("CACHE_TTL_SEC", 600),
			MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1000),
		},
	}
}

// Settings returns every key with its effective value, for display. Secrets are masked.
func (c *AppConfig) Settings() [][2]string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	return [][2]string{
		{"APP_HOST", c.AppHost},
		{"PORT", c.Port},
		{"APP_TIMEZONE", c.Location.String()},
		{"LOG_LEVEL", c.LogLevel},
		{"STATUS_KEY", mask(c.StatusKey)},
		{"PID_FILE", c.PIDFile},
		{"PATH_SEGMENT_MAXSIZE", strconv.Itoa(c.PathSegmentMaxSize)},
		{"REPOSITORY_NAME", c.Repository.Name},
		{"REPOSITORY_BACKEND", c.Repository.Backend},
		{"REPOSITORY_TYPES_FILE", c.Repository.TypesFile},
		{"DB_HOST", c.Database.Host},
		{"DB_PORT", c.Database.Port},
		{"DB_USER", c.Database.User},
		{"DB_PASSWORD", mask(c.Database.Password)},
		{"DB_NAME", c.Database.Name},
		{"DB_SSLMODE", c.Database.SSLMode},
		{"SQLITE_PATH", c.Database.SQLitePath},
		{"MINIO_ENDPOINT", c.MinIO.Endpoint},
		{"MINIO_ACCESS_KEY", c.MinIO.AccessKey},
		{"MINIO_SECRET_KEY", mask(c.MinIO.SecretKey)},
		{"MINIO_BUCKET", c.MinIO.Bucket},
		{"MINIO_USE_SSL", strconv.FormatBool(c.MinIO.UseSSL)},
		{"MONGODB_URI", c.Mongo.URI},
		{"MONGODB_DATABASE", c.Mongo.Database},
		{"MONGODB_COLLECTION", c.Mongo.Collection},
		{"REDIS_ADDR", c.Redis.Addr},
		{"REDIS_PASSWORD", mask(c.Redis.Password)},
		{"REDIS_NAMESPACE", c.Redis.Namespace},
		{"WORK_QUEUING", c.Work.Queuing},
		{"WORK_DEFAULT_THREADS", strconv.Itoa(c.Work.DefaultThreads)},
		{"CACHE_TTL_SEC", strconv.Itoa(c.Cache.TTLSec)},
		{"CACHE_MAX_ENTRIES", strconv.Itoa(c.Cache.MaxEntries)},
	}
}

func getEnv(key, def string) string {
	if v := conf.GetString(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := conf.GetString(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := conf.GetString(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
