package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// platformTables 平台 -> 表名。路径段 platform 决定目标表。
var platformTables = map[string]string{
	"website":     "website_articles",
	"wechat":      "wechat_articles",
	"marketplace": "marketplace_posts",
}

// TableFor 返回平台对应的表名。
func TableFor(platform string) (string, error) {
	if t, ok := platformTables[platform]; ok {
		return t, nil
	}
	return "", fmt.Errorf("no table for platform %q", platform)
}

// ContentResolver 附件文本提取协作方（content 为空但有 file_url 时兜底）。
type ContentResolver interface {
	ExtractURL(ctx context.Context, fileURL string) (string, error)
}

// Config 导入行为配置。
type Config struct {
	BatchSize       int // 每批文档数，小批量降低死锁概率
	MaxParallel     int // 批内并发上限
	MaxRetries      int // 瞬态错误重试次数
	TitleMaxBytes   int
	ContentMaxBytes int
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.TitleMaxBytes <= 0 {
		c.TitleMaxBytes = 512
	}
	if c.ContentMaxBytes <= 0 {
		c.ContentMaxBytes = 64 * 1024
	}
}

// Store 权威记录的关系库存储。
type Store struct {
	db       *sql.DB
	cfg      Config
	resolver ContentResolver
}

// NewStore 创建存储。resolver 可为 nil（不做附件兜底）。
func NewStore(db *sql.DB, cfg Config, resolver ContentResolver) *Store {
	cfg.normalize()
	return &Store{db: db, cfg: cfg, resolver: resolver}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema 应用幂等建表脚本。
func (s *Store) EnsureSchema(ctx context.Context) error {
	var ddl strings.Builder
	for _, table := range sortedTables() {
		fmt.Fprintf(&ddl, `
	CREATE TABLE IF NOT EXISTS %s (
		id             BIGSERIAL PRIMARY KEY,
		original_url   TEXT NOT NULL UNIQUE,
		title          TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		author         TEXT NOT NULL DEFAULT '',
		publish_time   TIMESTAMPTZ,
		scrape_time    TIMESTAMPTZ,
		platform       VARCHAR(64) NOT NULL,
		pagerank_score DOUBLE PRECISION NOT NULL DEFAULT 0.0,
		is_official    BOOLEAN NOT NULL DEFAULT FALSE,
		create_time    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		update_time    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_%s_publish ON %s(publish_time DESC);
`, table, table, table)
	}
	ddl.WriteString(`
	CREATE TABLE IF NOT EXISTS link_graph (
		id          BIGSERIAL PRIMARY KEY,
		source_url  TEXT NOT NULL,
		target_url  TEXT NOT NULL,
		link_type   VARCHAR(32) NOT NULL DEFAULT '',
		create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (source_url, target_url)
	);
	CREATE INDEX IF NOT EXISTS idx_link_graph_target ON link_graph(target_url);

	CREATE TABLE IF NOT EXISTS pagerank_scores (
		id               BIGSERIAL PRIMARY KEY,
		url              TEXT NOT NULL UNIQUE,
		pagerank_score   DOUBLE PRECISION NOT NULL,
		in_degree        INTEGER NOT NULL DEFAULT 0,
		out_degree       INTEGER NOT NULL DEFAULT 0,
		calculation_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS daily_insights (
		id           BIGSERIAL PRIMARY KEY,
		insight_date DATE NOT NULL,
		category     VARCHAR(64) NOT NULL,
		content      TEXT NOT NULL,
		create_time  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (insight_date, category)
	);
`)
	if _, err := s.db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ImportResult 导入统计。
type ImportResult struct {
	Imported int
	Failed   int
}

// ImportDocuments 将原始文档批量导入权威表。
// 小批量 + 有界并发 + 瞬态错误退避重试；单篇失败只计数，不中断整体。
func (s *Store) ImportDocuments(ctx context.Context, docs []doc.RawDocument, includePageRank bool, isOfficial func(string) bool) (ImportResult, error) {
	if isOfficial == nil {
		isOfficial = func(string) bool { return false }
	}

	var scores map[string]float64
	if includePageRank {
		var err error
		if scores, err = s.LoadScores(ctx); err != nil {
			applog.Warn("[Store] PageRank scores unavailable for import", "error", err)
			scores = nil
		}
	}

	var (
		mu     sync.Mutex
		result ImportResult
	)

	for start := 0; start < len(docs); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxParallel)
		for _, raw := range batch {
			raw := raw
			g.Go(func() error {
				err := s.importOne(gctx, raw, scores[raw.OriginalURL], isOfficial(raw.Platform))
				mu.Lock()
				if err != nil {
					applog.Warn("[Store] Import failed", "url", raw.OriginalURL, "path", raw.Path, "error", err)
					result.Failed++
				} else {
					result.Imported++
				}
				mu.Unlock()
				// 单篇失败不取消同批其它文档
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	applog.Info("[Store] Import finished", "imported", result.Imported, "failed", result.Failed)
	return result, nil
}

func (s *Store) importOne(ctx context.Context, raw doc.RawDocument, score float64, official bool) error {
	table, err := TableFor(raw.Platform)
	if err != nil {
		return err
	}

	content := raw.Content
	if strings.TrimSpace(content) == "" && raw.FileURL != "" && s.resolver != nil {
		if extracted, err := s.resolver.ExtractURL(ctx, raw.FileURL); err != nil {
			applog.Warn("[Store] Document parse fallback failed", "file_url", raw.FileURL, "error", err)
		} else {
			content = extracted
		}
	}

	rec := doc.FromRaw(raw, score, official)
	rec.Content = doc.TruncateBytes(content, s.cfg.ContentMaxBytes)
	rec.Title = doc.TruncateBytes(rec.Title, s.cfg.TitleMaxBytes)

	if err := s.upsertWithRetry(ctx, table, rec); err != nil {
		return err
	}

	// 原始文档内发现的链接边追加进链接图（幂等）
	if len(raw.LinkTargets) > 0 {
		if err := s.InsertEdges(ctx, edgesFrom(raw)); err != nil {
			applog.Warn("[Store] Failed to append link edges", "url", raw.OriginalURL, "error", err)
		}
	}
	return nil
}

func edgesFrom(raw doc.RawDocument) []doc.LinkEdge {
	edges := make([]doc.LinkEdge, 0, len(raw.LinkTargets))
	for _, target := range raw.LinkTargets {
		if target = strings.TrimSpace(target); target != "" && target != raw.OriginalURL {
			edges = append(edges, doc.LinkEdge{SourceURL: raw.OriginalURL, TargetURL: target, LinkType: "content"})
		}
	}
	return edges
}

// upsertWithRetry 以自然键 upsert 单条记录，瞬态错误（死锁/序列化冲突）退避重试。
func (s *Store) upsertWithRetry(ctx context.Context, table string, rec doc.CanonicalRecord) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if lastErr = s.upsert(ctx, table, rec); lastErr == nil {
			return nil
		}
		if !doc.IsTransient(lastErr) {
			return lastErr
		}
		applog.Debug("[Store] Retrying transient upsert error", "table", table, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (s *Store) upsert(ctx context.Context, table string, rec doc.CanonicalRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (original_url, title, content, author, publish_time, scrape_time, platform, pagerank_score, is_official)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (original_url) DO UPDATE SET
			title          = EXCLUDED.title,
			content        = EXCLUDED.content,
			author         = EXCLUDED.author,
			publish_time   = EXCLUDED.publish_time,
			scrape_time    = EXCLUDED.scrape_time,
			pagerank_score = GREATEST(%s.pagerank_score, EXCLUDED.pagerank_score),
			is_official    = EXCLUDED.is_official,
			update_time    = NOW()`, table, table)

	_, err := s.db.ExecContext(ctx, query,
		rec.OriginalURL, rec.Title, rec.Content, rec.Author,
		nullTime(rec.PublishTime), nullTime(rec.ScrapeTime),
		rec.Platform, rec.PageRankScore, rec.IsOfficial,
	)
	return err
}

// InsertEdges 追加链接边，重复边忽略（append-only）。
func (s *Store) InsertEdges(ctx context.Context, edges []doc.LinkEdge) error {
	for _, e := range edges {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO link_graph (source_url, target_url, link_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (source_url, target_url) DO NOTHING`,
			e.SourceURL, e.TargetURL, e.LinkType,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", e.SourceURL, e.TargetURL, err)
		}
	}
	return nil
}

// LoadEdges 读取全部链接边（PageRank 输入）。
func (s *Store) LoadEdges(ctx context.Context) ([]doc.LinkEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_url, target_url, link_type FROM link_graph`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	var edges []doc.LinkEdge
	for rows.Next() {
		var e doc.LinkEdge
		if err := rows.Scan(&e.SourceURL, &e.TargetURL, &e.LinkType); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// scoreBatchSize 分数整表替换时的单事务插入行数上限，约束事务体积。
const scoreBatchSize = 1000

// ReplaceScores 原子替换 pagerank_scores：清空后按固定批量重建。
// 只在计算成功后调用；计算失败不会产生部分写入。
func (s *Store) ReplaceScores(ctx context.Context, scores []doc.PageRankScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace scores: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pagerank_scores`); err != nil {
		return fmt.Errorf("clear scores: %w", err)
	}

	for start := 0; start < len(scores); start += scoreBatchSize {
		end := start + scoreBatchSize
		if end > len(scores) {
			end = len(scores)
		}
		batch := scores[start:end]

		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO pagerank_scores (url, pagerank_score, in_degree, out_degree, calculation_date) VALUES `)
		for i, sc := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 5
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
			args = append(args, sc.URL, sc.Score, sc.InDegree, sc.OutDegree, sc.CalculatedAt)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert score batch %d-%d: %w", start, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace scores: %w", err)
	}
	applog.Info("[Store] PageRank scores replaced", "count", len(scores))
	return nil
}

// ApplyScores 用 join-update 把分数回填进各权威表。
func (s *Store) ApplyScores(ctx context.Context) error {
	for _, table := range sortedTables() {
		query := fmt.Sprintf(`
			UPDATE %s t SET pagerank_score = s.pagerank_score, update_time = NOW()
			FROM pagerank_scores s WHERE t.original_url = s.url`, table)
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("apply scores to %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			applog.Info("[Store] Scores applied", "table", table, "rows", n)
		}
	}
	return nil
}

// LoadScores 读取 url -> 分数映射，供 raw_files 模式富化。
func (s *Store) LoadScores(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, pagerank_score FROM pagerank_scores`)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var (
			url   string
			score float64
		)
		if err := rows.Scan(&url, &score); err != nil {
			return nil, err
		}
		scores[url] = score
	}
	return scores, rows.Err()
}

// LoadRecords 读取全部权威记录（mysql 模式的数据源），按 URL 排序保证确定性。
func (s *Store) LoadRecords(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	var parts []string
	for _, table := range sortedTables() {
		parts = append(parts, fmt.Sprintf(
			`SELECT id, original_url, title, content, author, publish_time, scrape_time, platform, pagerank_score, is_official FROM %s`, table))
	}
	query := strings.Join(parts, " UNION ALL ") + " ORDER BY original_url"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []doc.CanonicalRecord
	for rows.Next() {
		var (
			rec          doc.CanonicalRecord
			publishTime  sql.NullTime
			scrapeTime   sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.OriginalURL, &rec.Title, &rec.Content, &rec.Author,
			&publishTime, &scrapeTime, &rec.Platform, &rec.PageRankScore, &rec.IsOfficial); err != nil {
			return nil, err
		}
		rec.PublishTime = publishTime.Time
		rec.ScrapeTime = scrapeTime.Time
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveInsight 写入（或覆盖）一条当日洞察。
func (s *Store) SaveInsight(ctx context.Context, date time.Time, category, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_insights (insight_date, category, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (insight_date, category) DO UPDATE SET content = EXCLUDED.content`,
		date.Format("2006-01-02"), category, content,
	)
	if err != nil {
		return fmt.Errorf("save insight %s/%s: %w", date.Format("2006-01-02"), category, err)
	}
	return nil
}

func sortedTables() []string {
	tables := make([]string, 0, len(platformTables))
	for _, t := range platformTables {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
