package daily

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"indexforge/internal/db/postgres"
	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

// 每日流水线的步骤名。默认全部执行，可用 --steps 挑选子集。
const (
	StepScan    = "scan"
	StepIndex   = "index"
	StepInsight = "insight"
)

// DocumentStore 关系库协作方（postgres.Store 的接口化，便于测试）。
type DocumentStore interface {
	ImportDocuments(ctx context.Context, docs []doc.RawDocument, includePageRank bool, isOfficial func(string) bool) (postgres.ImportResult, error)
	LoadScores(ctx context.Context) (map[string]float64, error)
	SaveInsight(ctx context.Context, date time.Time, category, content string) error
}

// ChunkSplitter 增量分块协作方。增量路径不经过 Redis 缓存：
// 日增量窗口小，直接切分比维护窗口级指纹更简单。
type ChunkSplitter interface {
	SplitAll(records []doc.CanonicalRecord) []doc.Chunk
}

// VectorUpserter 向量索引增量入口。
type VectorUpserter interface {
	Upsert(ctx context.Context, chunks []doc.Chunk, batchSize int) (int, int, error)
}

// FulltextRefresher 全文索引增量入口。
type FulltextRefresher interface {
	Refresh(ctx context.Context, records []doc.CanonicalRecord, batchSize int) (int, int, error)
}

// Options 一次每日运行的参数。
type Options struct {
	Start time.Time
	End   time.Time
	Steps []string // 空表示全部步骤
	// 增量写入批大小。
	UploadBatchSize int
	BulkChunkSize   int
}

// Result 每日运行统计。
type Result struct {
	Scanned         int
	SkippedFiles    int
	Imported        int
	ImportFailed    int
	ChunksUpserted  int
	ChunksFailed    int
	DocsRefreshed   int
	RefreshFailed   int
	InsightsSaved   int
	InsightCategory []string
}

// Orchestrator 每日增量流水线：扫描窗口 -> 入库 -> 刷新索引 -> 生成洞察。
type Orchestrator struct {
	scanner    *source.Scanner
	store      DocumentStore
	splitter   ChunkSplitter
	vector     VectorUpserter
	fulltext   FulltextRefresher
	insights   *InsightBuilder
	isOfficial func(platform string) bool
	now        func() time.Time
}

func NewOrchestrator(
	scanner *source.Scanner,
	store DocumentStore,
	splitter ChunkSplitter,
	vector VectorUpserter,
	fulltext FulltextRefresher,
	insights *InsightBuilder,
	isOfficial func(platform string) bool,
) *Orchestrator {
	if isOfficial == nil {
		isOfficial = func(string) bool { return false }
	}
	return &Orchestrator{
		scanner:    scanner,
		store:      store,
		splitter:   splitter,
		vector:     vector,
		fulltext:   fulltext,
		insights:   insights,
		isOfficial: isOfficial,
		now:        time.Now,
	}
}

// WithClock 注入时钟，仅测试使用。
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run 执行每日流水线。
// 两阶段窗口扫描天然幂等：入库按 URL upsert，向量点 ID 与全文 _id 均确定性派生，
// 同一窗口重复跑不会产生重复数据。
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	steps, err := normalizeSteps(opts.Steps)
	if err != nil {
		return Result{}, err
	}
	if opts.End.Before(opts.Start) {
		return Result{}, fmt.Errorf("window end %s is before start %s",
			opts.End.Format("2006-01-02"), opts.Start.Format("2006-01-02"))
	}
	if opts.UploadBatchSize <= 0 {
		opts.UploadBatchSize = 100
	}
	if opts.BulkChunkSize <= 0 {
		opts.BulkChunkSize = 500
	}

	applog.Info("[Daily] Pipeline started",
		"start", opts.Start.Format("2006-01-02"),
		"end", opts.End.Format("2006-01-02"),
		"steps", stepNames(steps),
	)

	scan, err := o.scanner.ScanWindow(ctx, opts.Start, opts.End)
	if err != nil {
		return Result{}, fmt.Errorf("scan window: %w", err)
	}
	result := Result{Scanned: len(scan.Documents), SkippedFiles: scan.Skipped}
	if len(scan.Documents) == 0 {
		applog.Warn("[Daily] No documents in window, nothing to do")
		return result, nil
	}

	if steps[StepScan] {
		imported, err := o.store.ImportDocuments(ctx, scan.Documents, true, o.isOfficial)
		if err != nil {
			return result, fmt.Errorf("import documents: %w", err)
		}
		result.Imported = imported.Imported
		result.ImportFailed = imported.Failed
		applog.Info("[Daily] Documents imported", "imported", imported.Imported, "failed", imported.Failed)
	}

	if steps[StepIndex] {
		if err := o.refreshIndexes(ctx, scan.Documents, opts, &result); err != nil {
			return result, err
		}
	}

	if steps[StepInsight] {
		if err := o.buildInsights(ctx, scan.Documents, &result); err != nil {
			return result, err
		}
	}

	applog.Info("[Daily] Pipeline finished",
		"scanned", result.Scanned,
		"imported", result.Imported,
		"chunks_upserted", result.ChunksUpserted,
		"docs_refreshed", result.DocsRefreshed,
		"insights", result.InsightsSaved,
	)
	return result, nil
}

// refreshIndexes 刷新窗口内文档的向量与全文两路索引。
// 词法索引不走增量：IDF 是语料全局量，见 bm25 包的全量重建路径。
func (o *Orchestrator) refreshIndexes(ctx context.Context, docs []doc.RawDocument, opts Options, result *Result) error {
	scores, err := o.store.LoadScores(ctx)
	if err != nil {
		applog.Warn("[Daily] PageRank scores unavailable, indexing without scores", "error", err)
		scores = map[string]float64{}
	}

	records := make([]doc.CanonicalRecord, 0, len(docs))
	for _, d := range docs {
		url := strings.TrimSpace(d.OriginalURL)
		records = append(records, doc.FromRaw(d, scores[url], o.isOfficial(d.Platform)))
	}

	chunks := o.splitter.SplitAll(records)
	upserted, failed, err := o.vector.Upsert(ctx, chunks, opts.UploadBatchSize)
	if err != nil {
		return fmt.Errorf("refresh vector index: %w", err)
	}
	result.ChunksUpserted = upserted
	result.ChunksFailed = failed

	refreshed, refreshFailed, err := o.fulltext.Refresh(ctx, records, opts.BulkChunkSize)
	if err != nil {
		return fmt.Errorf("refresh full-text index: %w", err)
	}
	result.DocsRefreshed = refreshed
	result.RefreshFailed = refreshFailed

	applog.Info("[Daily] Indexes refreshed",
		"chunks_upserted", upserted,
		"chunks_failed", failed,
		"docs_refreshed", refreshed,
		"docs_failed", refreshFailed,
	)
	return nil
}

// buildInsights 按分类生成并落库洞察。单分类失败记录后继续其余分类。
func (o *Orchestrator) buildInsights(ctx context.Context, docs []doc.RawDocument, result *Result) error {
	if o.insights == nil {
		applog.Warn("[Daily] Insight builder not configured, skipping")
		return nil
	}

	date := o.now().Truncate(24 * time.Hour)
	groups := o.insights.Categorize(docs)

	categories := make([]string, 0, len(groups))
	for category := range groups {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		text, err := o.insights.BuildOne(ctx, category, groups[category])
		if err != nil {
			applog.Error("[Daily] Insight generation failed, continuing", "category", category, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if err := o.store.SaveInsight(ctx, date, category, text); err != nil {
			applog.Error("[Daily] Insight persistence failed, continuing", "category", category, "error", err)
			continue
		}
		result.InsightsSaved++
		result.InsightCategory = append(result.InsightCategory, category)
	}
	return nil
}

// normalizeSteps 校验步骤名并转为集合。空输入表示全部步骤。
func normalizeSteps(steps []string) (map[string]bool, error) {
	valid := map[string]bool{StepScan: true, StepIndex: true, StepInsight: true}
	if len(steps) == 0 {
		return valid, nil
	}
	out := map[string]bool{}
	for _, s := range steps {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !valid[s] {
			return nil, fmt.Errorf("unknown step %q (valid: scan, index, insight)", s)
		}
		out[s] = true
	}
	if len(out) == 0 {
		return valid, nil
	}
	return out, nil
}

func stepNames(steps map[string]bool) string {
	names := make([]string, 0, len(steps))
	for name, on := range steps {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
