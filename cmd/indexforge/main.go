package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	appbuild "indexforge/internal/app/build"
	"indexforge/internal/chunkcache"
	"indexforge/internal/daily"
	"indexforge/internal/db/postgres"
	"indexforge/internal/domain/doc"
	"indexforge/internal/index/fulltext"
	"indexforge/internal/index/lexical"
	"indexforge/internal/index/vector"
	"indexforge/internal/pagerank"
	"indexforge/internal/parser"
	"indexforge/internal/pipeline"
	"indexforge/internal/platform/config"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(cfg)
	if err := root.ExecuteContext(ctx); err != nil {
		applog.Error("❌ Command failed", "error", err)
		applog.Sync()
		os.Exit(1)
	}
	applog.Sync()
}

func newRootCmd(cfg *config.AppConfig) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "indexforge",
		Short:         "Hybrid indexing pipeline: relational store, PageRank, BM25, vector and full-text indexes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				applog.SetLevel("debug")
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(
		newBuildCmd(cfg),
		newImportCmd(cfg),
		newPageRankCmd(cfg),
		newDailyCmd(cfg),
		newCacheCmd(cfg),
	)
	return root
}

// app 按需建立的共享依赖。每个子命令只连它真正用到的后端。
type app struct {
	cfg *config.AppConfig
	db  *sql.DB
	rdb *goredis.Client
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
}

func (a *app) openPostgres(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sql.Open("postgres", a.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(a.cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	applog.Info("✅ Connected to PostgreSQL")
	a.db = db
	return db, nil
}

func (a *app) openRedis(ctx context.Context) (*goredis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	redisOpts, err := goredis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := goredis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	applog.Info("✅ Connected to Redis")
	a.rdb = rdb
	return rdb, nil
}

// openPostgresLax 组合构建专用：ping 失败只告警，返回懒连接句柄，
// 让依赖 Postgres 的后端在自己的报告条目里失败，而不是整轮中止。
// URL 本身非法仍然报错，那是配置问题。
func (a *app) openPostgresLax(ctx context.Context) (*sql.DB, error) {
	db, err := a.openPostgres(ctx)
	if err == nil {
		return db, nil
	}
	applog.Warn("⚠️ PostgreSQL unreachable, relational operations will fail per backend", "error", err)

	db, openErr := sql.Open("postgres", a.cfg.Database.URL)
	if openErr != nil {
		return nil, fmt.Errorf("open postgres: %w", openErr)
	}
	a.db = db
	return db, nil
}

// openRedisLax 同上：Redis 不可达时分块缓存退化为直接计算（Manager 把
// 读写错误都当 miss 处理），构建照常进行。
func (a *app) openRedisLax(ctx context.Context) (*goredis.Client, error) {
	rdb, err := a.openRedis(ctx)
	if err == nil {
		return rdb, nil
	}
	applog.Warn("⚠️ Redis unreachable, chunk cache bypassed for this run", "error", err)

	redisOpts, parseErr := goredis.ParseURL(a.cfg.Redis.URL)
	if parseErr != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", parseErr)
	}
	rdb = goredis.NewClient(redisOpts)
	a.rdb = rdb
	return rdb, nil
}

func (a *app) newStore(db *sql.DB) *postgres.Store {
	resolver := parser.NewExtractor(60*time.Second, 50)
	return postgres.NewStore(db, postgres.Config{
		BatchSize:       a.cfg.Import.BatchSize,
		MaxParallel:     a.cfg.Import.MaxParallel,
		MaxRetries:      a.cfg.Import.MaxRetries,
		TitleMaxBytes:   a.cfg.Import.TitleMaxBytes,
		ContentMaxBytes: a.cfg.Import.ContentMaxBytes,
	}, resolver)
}

func (a *app) newSplitter() *pipeline.Splitter {
	return pipeline.NewSplitter(a.cfg.Chunking.Size, a.cfg.Chunking.Overlap)
}

func (a *app) newChunkManager(rdb *goredis.Client) *chunkcache.Manager {
	return chunkcache.NewManager(rdb, a.newSplitter(), chunkcache.Config{
		TTL:         time.Duration(a.cfg.Chunking.CacheTTLDays) * 24 * time.Hour,
		SampleDocs:  a.cfg.Chunking.SampleDocs,
		SampleBytes: a.cfg.Chunking.SampleBytes,
	})
}

func (a *app) newVectorIndexer(chunks vector.ChunkProvider) *vector.Indexer {
	qdrant := vector.NewQdrantClient(vector.QdrantConfig{
		URL:         a.cfg.Qdrant.URL,
		APIKey:      a.cfg.Qdrant.APIKey,
		Collection:  a.cfg.Qdrant.Collection,
		Timeout:     time.Duration(a.cfg.Qdrant.TimeoutSeconds) * time.Second,
		PingTimeout: time.Duration(a.cfg.Qdrant.PingTimeoutSec) * time.Second,
	})
	embedder := vector.NewOpenAIEmbedder(vector.OpenAIEmbedderConfig{
		BaseURL:   a.cfg.Embedding.BaseURL,
		APIKey:    a.cfg.Embedding.APIKey,
		Model:     a.cfg.Embedding.Model,
		Dims:      a.cfg.Embedding.Dims,
		BatchSize: a.cfg.Embedding.BatchSize,
		Timeout:   time.Duration(a.cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	return vector.NewIndexer(qdrant, embedder, chunks)
}

func (a *app) newFulltextIndexer() *fulltext.Indexer {
	client := fulltext.NewClient(fulltext.ClientConfig{
		URL:         a.cfg.Search.URL,
		Username:    a.cfg.Search.Username,
		Password:    a.cfg.Search.Password,
		Index:       a.cfg.Search.Index,
		Timeout:     time.Duration(a.cfg.Search.TimeoutSeconds) * time.Second,
		PingTimeout: time.Duration(a.cfg.Search.PingTimeoutSec) * time.Second,
	})
	return fulltext.NewIndexer(client)
}

func (a *app) newLexicalIndexer(chunks lexical.ChunkProvider) *lexical.Indexer {
	return lexical.NewIndexer(lexical.Config{
		ArtifactPath: a.cfg.Lexical.ArtifactPath,
		K1:           a.cfg.Lexical.K1,
		B:            a.cfg.Lexical.B,
		MaxWorkers:   a.cfg.Build.MaxWorkers,
	}, chunks)
}

// officialFunc 从洞察白名单派生 is_official 判定，全流水线共用同一份口径。
func (a *app) officialFunc() func(platform string) bool {
	official := map[string]bool{}
	for _, p := range a.cfg.Insight.OfficialSources {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			official[p] = true
		}
	}
	return func(platform string) bool {
		return official[strings.ToLower(platform)]
	}
}

func newBuildCmd(cfg *config.AppConfig) *cobra.Command {
	var (
		limit       int
		testRun     bool
		only        []string
		dataSource  string
		batchSize   int
		startBatch  int
		maxBatches  int
		incremental bool
		validate    bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build selected index backends from the configured data source",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := &app{cfg: cfg}
			defer a.close()

			backends := make([]doc.Backend, 0, len(only))
			for _, name := range only {
				b, err := doc.ParseBackend(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				backends = append(backends, b)
			}

			ds, err := doc.ParseDataSource(dataSource)
			if err != nil {
				return err
			}

			// 后端故障隔离从连接就开始：某个存储不可达不终止整轮构建
			db, err := a.openPostgresLax(ctx)
			if err != nil {
				return err
			}
			rdb, err := a.openRedisLax(ctx)
			if err != nil {
				return err
			}

			store := a.newStore(db)
			scanner := source.NewScanner(cfg.RawRoot)
			loader, err := source.NewLoader(ds, scanner, store, store, a.officialFunc())
			if err != nil {
				return err
			}

			chunks := a.newChunkManager(rdb)
			orchestrator := appbuild.NewOrchestrator(
				scanner,
				loader,
				store,
				a.newLexicalIndexer(chunks),
				a.newVectorIndexer(chunks),
				a.newFulltextIndexer(),
				a.newSplitter(),
				a.officialFunc(),
			)

			if validate {
				report := orchestrator.Validate(ctx, backends)
				printReport(report)
				return nil
			}

			report, err := orchestrator.Run(ctx, appbuild.Options{
				Backends:      backends,
				Limit:         limit,
				BatchSize:     batchSize,
				StartBatch:    startBatch,
				MaxBatches:    maxBatches,
				Incremental:   incremental,
				GCEvery:       cfg.Build.GCEveryBatches,
				TestRun:       testRun,
				BulkChunkSize: cfg.Build.BulkChunkSize,
			})
			if err != nil {
				return err
			}
			printReport(report)
			// 部分后端失败不改变退出码：报告才是真相
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of documents loaded (0 = all)")
	cmd.Flags().BoolVar(&testRun, "test", false, "dry run: load and chunk only, write nothing")
	cmd.Flags().StringSliceVar(&only, "only", nil, "backends to build (mysql|bm25|qdrant|elasticsearch), default all")
	cmd.Flags().StringVar(&dataSource, "data-source", "raw_files", "document source: raw_files|mysql|raw_only")
	cmd.Flags().IntVar(&batchSize, "batch-size", cfg.Build.UploadBatchSize, "vector upload batch size (-1 = single batch)")
	cmd.Flags().IntVar(&startBatch, "start-batch", 0, "resume vector build from this batch index")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "process at most this many vector batches (0 = unlimited)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "reuse existing collections and indexes instead of recreating")
	cmd.Flags().BoolVar(&validate, "validate", false, "health-check the selected backends instead of building")
	return cmd
}

func newImportCmd(cfg *config.AppConfig) *cobra.Command {
	var (
		limit        int
		skipPageRank bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Scan raw files and upsert them into the relational store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := &app{cfg: cfg}
			defer a.close()

			db, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			store := a.newStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}

			scan, err := source.NewScanner(cfg.RawRoot).ScanAll(ctx, limit)
			if err != nil {
				return err
			}
			if len(scan.Documents) == 0 {
				return fmt.Errorf("no raw documents found under %s", cfg.RawRoot)
			}

			result, err := store.ImportDocuments(ctx, scan.Documents, !skipPageRank, a.officialFunc())
			if err != nil {
				return err
			}
			applog.Info("🎉 Import finished",
				"scanned", len(scan.Documents),
				"skipped_files", scan.Skipped,
				"imported", result.Imported,
				"failed", result.Failed,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of documents imported (0 = all)")
	cmd.Flags().BoolVar(&skipPageRank, "skip-pagerank", false, "do not enrich rows with stored PageRank scores")
	return cmd
}

func newPageRankCmd(cfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagerank",
		Short: "Recompute PageRank over the link graph and apply scores to all platform tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := &app{cfg: cfg}
			defer a.close()

			db, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			store := a.newStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}

			engine := pagerank.NewEngine(store, cfg.PageRank.Damping, cfg.PageRank.Tolerance)
			count, err := engine.Compute(ctx)
			if err != nil {
				return err
			}
			applog.Info("🎉 PageRank finished", "scored_urls", count)
			return nil
		},
	}
	return cmd
}

func newDailyCmd(cfg *config.AppConfig) *cobra.Command {
	var (
		startStr string
		endStr   string
		steps    []string
	)

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Run the daily incremental pipeline: scan a publish-time window, import, refresh indexes, build insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := &app{cfg: cfg}
			defer a.close()

			end := time.Now()
			start := end.AddDate(0, 0, -1)
			var err error
			if startStr != "" {
				if start, err = time.Parse("2006-01-02", startStr); err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
			}
			if endStr != "" {
				if end, err = time.Parse("2006-01-02", endStr); err != nil {
					return fmt.Errorf("parse --end: %w", err)
				}
				// 含当天整天
				end = end.AddDate(0, 0, 1).Add(-time.Second)
			}

			db, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			rdb, err := a.openRedis(ctx)
			if err != nil {
				return err
			}

			store := a.newStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}

			chunks := a.newChunkManager(rdb)
			insights := daily.NewInsightBuilder(
				daily.NewOpenAIGenerator(daily.OpenAIGeneratorConfig{
					BaseURL: cfg.Insight.BaseURL,
					APIKey:  cfg.Insight.APIKey,
					Model:   cfg.Insight.Model,
				}),
				daily.InsightConfig{
					MaxPromptChars:     cfg.Insight.MaxPromptChars,
					OfficialSources:    cfg.Insight.OfficialSources,
					MarketplaceSources: cfg.Insight.MarketplaceSources,
				},
			)

			orchestrator := daily.NewOrchestrator(
				source.NewScanner(cfg.RawRoot),
				store,
				a.newSplitter(),
				a.newVectorIndexer(chunks),
				a.newFulltextIndexer(),
				insights,
				a.officialFunc(),
			)

			result, err := orchestrator.Run(ctx, daily.Options{
				Start:           start,
				End:             end,
				Steps:           steps,
				UploadBatchSize: cfg.Build.UploadBatchSize,
				BulkChunkSize:   cfg.Build.BulkChunkSize,
			})
			if err != nil {
				return err
			}
			applog.Info("🎉 Daily pipeline finished",
				"scanned", result.Scanned,
				"imported", result.Imported,
				"chunks_upserted", result.ChunksUpserted,
				"docs_refreshed", result.DocsRefreshed,
				"insights", result.InsightsSaved,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "window start date (YYYY-MM-DD), default yesterday")
	cmd.Flags().StringVar(&endStr, "end", "", "window end date (YYYY-MM-DD, inclusive), default now")
	cmd.Flags().StringSliceVar(&steps, "steps", nil, "steps to run (scan|index|insight), default all")
	return cmd
}

func newCacheCmd(cfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the Redis chunk cache",
	}

	withManager := func(run func(ctx context.Context, m *chunkcache.Manager) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			a := &app{cfg: cfg}
			defer a.close()

			rdb, err := a.openRedis(ctx)
			if err != nil {
				return err
			}
			return run(ctx, a.newChunkManager(rdb))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove expired chunk cache entries",
			RunE: withManager(func(ctx context.Context, m *chunkcache.Manager) error {
				removed, err := m.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				applog.Info("✅ Cache cleanup finished", "removed", removed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all chunk cache entries",
			RunE: withManager(func(ctx context.Context, m *chunkcache.Manager) error {
				removed, err := m.ClearAll(ctx)
				if err != nil {
					return err
				}
				applog.Info("✅ Cache cleared", "removed", removed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show chunk cache statistics",
			RunE: withManager(func(ctx context.Context, m *chunkcache.Manager) error {
				entries, chunks, size, err := m.Stats(ctx)
				if err != nil {
					return err
				}
				applog.Info("📊 Cache stats", "entries", entries, "chunks", chunks, "bytes", size)
				return nil
			}),
		},
	)
	return cmd
}

func printReport(report doc.BuildReport) {
	for _, b := range report.Backends {
		status := "✅"
		if !b.Success {
			status = "❌"
		}
		fmt.Printf("%s %-14s total=%-8d failed=%-6d %s\n", status, b.Backend, b.Total, b.Failed, b.Message)
	}
}
