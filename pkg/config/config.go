package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Neo4j   Neo4jConfig
	Milvus  MilvusConfig
	SQLite  SQLiteConfig
	Redis   RedisConfig
	LLM     LLMConfig
	Logging LoggingConfig
	Audit   AuditConfig
	OnPage  OnPageConfig
	Suggest SuggestConfig
	Orphans OrphansConfig
	Breaker BreakerConfig
	Retry   RetryConfig
	Queue   QueueConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	MaxRequestsPerMinute int
	AllowedOrigins       []string
	IsDevelopment        bool
}

type Neo4jConfig struct {
	URI        string
	Username   string
	Password   string
	Database   string
	TimeoutSec int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey            string
	EmbeddingModel    string
	EmbeddingDim      int
	TimeoutSec        int
	EmbeddingCacheTTL int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type AuditConfig struct {
	ThinContentWords int
}

type OnPageConfig struct {
	MinTitleLength     int
	MaxTitleLength     int
	MinInternalLinks   int
	MaxInternalLinks   int
	MinContentWords    int
	MinKeywordDensity  float64
	MaxKeywordDensity  float64
	CountSkippedChecks bool
}

type SuggestConfig struct {
	MaxDistance      float64
	AuthorityFloor   float64
	ImpactMultiplier float64
	PersistCap       int
	ResponseCap      int
	LockTTLSec       int
}

type OrphansConfig struct {
	Neighbors    int
	ForeignRatio float64
}

type BreakerConfig struct {
	Threshold  int
	TimeoutSec int
}

type RetryConfig struct {
	MaxRetries  int
	BaseDelayMs int
}

type QueueConfig struct {
	Enabled bool
	Name    string
	Workers int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sitegraph")

	viper.SetEnvPrefix("SITEGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects engine settings that would make scoring meaningless.
func (c *Config) Validate() error {
	if c.Audit.ThinContentWords < 0 {
		return fmt.Errorf("audit.thinContentWords must be >= 0")
	}
	if c.OnPage.MinTitleLength > c.OnPage.MaxTitleLength {
		return fmt.Errorf("onpage.minTitleLength must not exceed onpage.maxTitleLength")
	}
	if c.OnPage.MinKeywordDensity > c.OnPage.MaxKeywordDensity {
		return fmt.Errorf("onpage.minKeywordDensity must not exceed onpage.maxKeywordDensity")
	}
	if c.Suggest.MaxDistance <= 0 {
		return fmt.Errorf("suggest.maxDistance must be > 0")
	}
	if c.Suggest.ResponseCap > c.Suggest.PersistCap {
		return fmt.Errorf("suggest.responseCap must not exceed suggest.persistCap")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must be >= 0")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.maxRequestsPerMinute", 120)
	viper.SetDefault("server.isDevelopment", false)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")
	viper.SetDefault("neo4j.timeoutSec", 10)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "page_embeddings")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/sitegraph.db")

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.timeoutSec", 30)
	viper.SetDefault("llm.embeddingCacheTTL", 86400)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")

	viper.SetDefault("audit.thinContentWords", 300)

	viper.SetDefault("onpage.minTitleLength", 30)
	viper.SetDefault("onpage.maxTitleLength", 60)
	viper.SetDefault("onpage.minInternalLinks", 3)
	viper.SetDefault("onpage.maxInternalLinks", 100)
	viper.SetDefault("onpage.minContentWords", 300)
	viper.SetDefault("onpage.minKeywordDensity", 0.5)
	viper.SetDefault("onpage.maxKeywordDensity", 3.0)
	viper.SetDefault("onpage.countSkippedChecks", false)

	viper.SetDefault("suggest.maxDistance", 0.8)
	viper.SetDefault("suggest.authorityFloor", 0.0001)
	viper.SetDefault("suggest.impactMultiplier", 1.2)
	viper.SetDefault("suggest.persistCap", 1000)
	viper.SetDefault("suggest.responseCap", 100)
	viper.SetDefault("suggest.lockTTLSec", 300)

	viper.SetDefault("orphans.neighbors", 5)
	viper.SetDefault("orphans.foreignRatio", 0.7)

	viper.SetDefault("breaker.threshold", 5)
	viper.SetDefault("breaker.timeoutSec", 60)

	viper.SetDefault("retry.maxRetries", 3)
	viper.SetDefault("retry.baseDelayMs", 1000)

	viper.SetDefault("queue.enabled", true)
	viper.SetDefault("queue.name", "sitegraph:tasks:suggestions")
	viper.SetDefault("queue.workers", 2)
}
