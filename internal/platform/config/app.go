package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string           `json:"log_level"`
	LogFormat string           `json:"log_format"`
	RawRoot   string           `json:"raw_root"`
	Database  DatabaseConfig   `json:"database"`
	Redis     RedisConfig      `json:"redis"`
	Qdrant    QdrantConfig     `json:"qdrant"`
	Search    SearchConfig     `json:"search"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Chunking  ChunkingConfig   `json:"chunking"`
	Lexical   LexicalConfig    `json:"lexical"`
	PageRank  PageRankConfig   `json:"pagerank"`
	Import    ImportConfig     `json:"import"`
	Insight   InsightConfig    `json:"insight"`
	Build     BuildConfig      `json:"build"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	Collection     string `json:"collection"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	PingTimeoutSec int    `json:"ping_timeout_seconds"`
}

// SearchConfig 全文引擎（OpenSearch/Elasticsearch 兼容）连接配置。
type SearchConfig struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Index          string `json:"index"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	PingTimeoutSec int    `json:"ping_timeout_seconds"`
}

type EmbeddingConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	Dims           int    `json:"dims"`
	BatchSize      int    `json:"batch_size"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type ChunkingConfig struct {
	Size         int `json:"size"`
	Overlap      int `json:"overlap"`
	CacheTTLDays int `json:"cache_ttl_days"`
	// 缓存指纹采样上限：最多取前 SampleDocs 篇文档的前 SampleBytes 字节。
	SampleDocs  int `json:"sample_docs"`
	SampleBytes int `json:"sample_bytes"`
}

type LexicalConfig struct {
	ArtifactPath string  `json:"artifact_path"`
	K1           float64 `json:"k1"`
	B            float64 `json:"b"`
}

type PageRankConfig struct {
	Damping   float64 `json:"damping"`
	Tolerance float64 `json:"tolerance"`
}

type ImportConfig struct {
	BatchSize   int `json:"batch_size"`
	MaxParallel int `json:"max_parallel"`
	MaxRetries  int `json:"max_retries"`
	// 标题/正文写库前的字节上限（UTF-8 安全截断）。
	TitleMaxBytes   int `json:"title_max_bytes"`
	ContentMaxBytes int `json:"content_max_bytes"`
}

type InsightConfig struct {
	BaseURL            string   `json:"base_url"`
	APIKey             string   `json:"api_key"`
	Model              string   `json:"model"`
	MaxPromptChars     int      `json:"max_prompt_chars"`
	OfficialSources    []string `json:"official_sources"`
	MarketplaceSources []string `json:"marketplace_sources"`
}

type BuildConfig struct {
	UploadBatchSize int `json:"upload_batch_size"`
	BulkChunkSize   int `json:"bulk_chunk_size"`
	GCEveryBatches  int `json:"gc_every_batches"`
	MaxWorkers      int `json:"max_workers"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		RawRoot:   "./data/raw",
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Qdrant: QdrantConfig{
			Collection:     "content_chunks",
			TimeoutSeconds: 30,
			PingTimeoutSec: 3,
		},
		Search: SearchConfig{
			Index:          "content_fulltext",
			TimeoutSeconds: 30,
			PingTimeoutSec: 3,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			Dims:           1024,
			BatchSize:      64,
			TimeoutSeconds: 60,
		},
		Chunking: ChunkingConfig{
			Size:         512,
			Overlap:      64,
			CacheTTLDays: 30,
			SampleDocs:   20,
			SampleBytes:  256,
		},
		Lexical: LexicalConfig{
			ArtifactPath: "./data/index/bm25_index.json",
			K1:           1.5,
			B:            0.75,
		},
		PageRank: PageRankConfig{
			Damping:   0.85,
			Tolerance: 1e-6,
		},
		Import: ImportConfig{
			BatchSize:       10,
			MaxParallel:     4,
			MaxRetries:      3,
			TitleMaxBytes:   512,
			ContentMaxBytes: 64 * 1024,
		},
		Insight: InsightConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxPromptChars: 6000,
		},
		Build: BuildConfig{
			UploadBatchSize: 100,
			BulkChunkSize:   500,
			GCEveryBatches:  50,
			MaxWorkers:      4,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)
	applyString("RAW_ROOT", &c.RawRoot)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("QDRANT_URL", &c.Qdrant.URL)
	applyString("QDRANT_API_KEY", &c.Qdrant.APIKey)
	applyString("QDRANT_COLLECTION", &c.Qdrant.Collection)
	applyInt("QDRANT_TIMEOUT", &c.Qdrant.TimeoutSeconds)

	applyString("OPENSEARCH_URL", &c.Search.URL)
	applyString("OPENSEARCH_USERNAME", &c.Search.Username)
	applyString("OPENSEARCH_PASSWORD", &c.Search.Password)
	applyString("OPENSEARCH_INDEX", &c.Search.Index)
	applyInt("OPENSEARCH_TIMEOUT", &c.Search.TimeoutSeconds)

	applyString("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	applyString("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	applyString("EMBEDDING_MODEL", &c.Embedding.Model)
	applyInt("EMBEDDING_DIMS", &c.Embedding.Dims)
	applyInt("EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)

	applyInt("CHUNK_SIZE", &c.Chunking.Size)
	applyInt("CHUNK_OVERLAP", &c.Chunking.Overlap)
	applyInt("CHUNK_CACHE_TTL_DAYS", &c.Chunking.CacheTTLDays)

	applyString("BM25_ARTIFACT_PATH", &c.Lexical.ArtifactPath)
	applyFloat64("BM25_K1", &c.Lexical.K1)
	applyFloat64("BM25_B", &c.Lexical.B)

	applyFloat64("PAGERANK_DAMPING", &c.PageRank.Damping)
	applyFloat64("PAGERANK_TOLERANCE", &c.PageRank.Tolerance)

	applyInt("IMPORT_BATCH_SIZE", &c.Import.BatchSize)
	applyInt("IMPORT_MAX_PARALLEL", &c.Import.MaxParallel)
	applyInt("IMPORT_MAX_RETRIES", &c.Import.MaxRetries)

	applyString("INSIGHT_BASE_URL", &c.Insight.BaseURL)
	applyString("INSIGHT_API_KEY", &c.Insight.APIKey)
	applyString("INSIGHT_MODEL", &c.Insight.Model)
	applyInt("INSIGHT_MAX_PROMPT_CHARS", &c.Insight.MaxPromptChars)
	applyStrings("INSIGHT_OFFICIAL_SOURCES", &c.Insight.OfficialSources)
	applyStrings("INSIGHT_MARKETPLACE_SOURCES", &c.Insight.MarketplaceSources)

	applyInt("BUILD_UPLOAD_BATCH_SIZE", &c.Build.UploadBatchSize)
	applyInt("BUILD_BULK_CHUNK_SIZE", &c.Build.BulkChunkSize)
	applyInt("BUILD_GC_EVERY_BATCHES", &c.Build.GCEveryBatches)
	applyInt("BUILD_MAX_WORKERS", &c.Build.MaxWorkers)
}

// Validate 检查必需的连接信息。缺失即配置错误，在任何后端动数据之前失败。
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.Chunking.Overlap, c.Chunking.Size)
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyStrings(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
