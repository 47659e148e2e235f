package fulltext

import (
	"context"
	"fmt"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

// Engine 全文引擎操作（Client 的接口化，便于测试）。
type Engine interface {
	Ping(ctx context.Context) error
	EnsureIndex(ctx context.Context, recreate bool) error
	Bulk(ctx context.Context, docs []Document) (int, int, error)
	Count(ctx context.Context) (int, error)
	Sample(ctx context.Context, n int) ([]string, error)
}

// BuildOptions 一次全文构建的参数。
type BuildOptions struct {
	Limit     int
	BatchSize int
	// Recreate 为 true 时删除重建索引；false 时按 _id 幂等覆盖写入。
	Recreate bool
}

// BuildStats 构建统计。
type BuildStats struct {
	Total   int
	Indexed int
	Failed  int
}

// Indexer 全文索引构建器。全文索引以整篇文档为单位，不做分块：
// 引擎自己的分析器负责切词，chunk 粒度只属于向量与 BM25 两路。
type Indexer struct {
	engine Engine
}

func NewIndexer(engine Engine) *Indexer {
	return &Indexer{engine: engine}
}

// Build 加载 -> 准备索引 -> 分批 bulk 写入。
// 单条失败由引擎计数、不中断；整批失败记录后继续下一批。
func (ix *Indexer) Build(ctx context.Context, loader source.Loader, opts BuildOptions) (BuildStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	if err := ix.engine.Ping(ctx); err != nil {
		return BuildStats{}, doc.NewError(doc.KindPermanent, "fulltext.ping", err)
	}

	records, err := loader.Load(ctx, opts.Limit)
	if err != nil {
		return BuildStats{}, fmt.Errorf("load documents (%s): %w", loader.Source(), err)
	}
	if len(records) == 0 {
		return BuildStats{}, fmt.Errorf("no documents loaded from %s", loader.Source())
	}

	if err := ix.engine.EnsureIndex(ctx, opts.Recreate); err != nil {
		return BuildStats{}, err
	}

	stats := BuildStats{Total: len(records)}
	for start := 0; start < len(records); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + opts.BatchSize
		if end > len(records) {
			end = len(records)
		}

		batch := make([]Document, 0, end-start)
		for _, rec := range records[start:end] {
			batch = append(batch, FromRecord(rec))
		}

		indexed, failed, err := ix.engine.Bulk(ctx, batch)
		if err != nil {
			applog.Error("[FullText] Bulk batch failed, continuing", "start", start, "size", len(batch), "error", err)
			stats.Failed += len(batch)
			continue
		}
		stats.Indexed += indexed
		stats.Failed += failed
		applog.Debug("[FullText] Bulk batch done", "done", end, "total", len(records))
	}

	applog.Info("[FullText] Build finished",
		"total", stats.Total,
		"indexed", stats.Indexed,
		"failed", stats.Failed,
		"recreate", opts.Recreate,
	)
	return stats, nil
}

// Refresh 按文档幂等写入给定记录（增量编排器的入口，不重建索引）。
func (ix *Indexer) Refresh(ctx context.Context, records []doc.CanonicalRecord, batchSize int) (int, int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if err := ix.engine.EnsureIndex(ctx, false); err != nil {
		return 0, 0, err
	}

	indexed, failed := 0, 0
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := make([]Document, 0, end-start)
		for _, rec := range records[start:end] {
			batch = append(batch, FromRecord(rec))
		}
		ok, bad, err := ix.engine.Bulk(ctx, batch)
		if err != nil {
			applog.Error("[FullText] Incremental bulk failed", "start", start, "error", err)
			failed += len(batch)
			continue
		}
		indexed += ok
		failed += bad
	}
	return indexed, failed, nil
}

// Validate 连通性 + 文档数 + 标题抽样。
func (ix *Indexer) Validate(ctx context.Context) (int, error) {
	if err := ix.engine.Ping(ctx); err != nil {
		return 0, err
	}
	count, err := ix.engine.Count(ctx)
	if err != nil {
		return 0, err
	}
	titles, err := ix.engine.Sample(ctx, 3)
	if err != nil {
		applog.Warn("[FullText] Sample query failed during validation", "error", err)
	} else {
		applog.Info("[FullText] Sample titles", "titles", titles)
	}
	return count, nil
}
