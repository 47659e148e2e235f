package vector

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

// VectorStore 向量后端操作（QdrantClient 的接口化，便于替换与测试）。
type VectorStore interface {
	Ping(ctx context.Context) error
	EnsureCollection(ctx context.Context, dims int, recreate bool) error
	Upsert(ctx context.Context, points []Point) error
	Count(ctx context.Context) (int, error)
}

// ChunkProvider 分块缓存协作方。
type ChunkProvider interface {
	GetOrCompute(ctx context.Context, records []doc.CanonicalRecord, forceRefresh bool) ([]doc.Chunk, bool, error)
}

// BuildOptions 一次向量构建的参数。
type BuildOptions struct {
	Limit      int
	BatchSize  int // 上传批大小，与 embedding 批大小相互独立；-1 表示不分批
	StartBatch int // 断点续跑：从第 StartBatch 批开始（0 起）
	MaxBatches int // 最多处理的批数，<=0 表示不限
	// Incremental 为 true 时复用已存在的集合、按点 id 幂等 upsert；
	// 否则删除重建。向量上传是最贵的一步，也是唯一支持点级增量的后端。
	Incremental bool
	GCEvery     int // 每 GCEvery 批做一次强制 GC，约束大语料下的峰值内存
}

func (o *BuildOptions) normalize() {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.StartBatch < 0 {
		o.StartBatch = 0
	}
	if o.GCEvery <= 0 {
		o.GCEvery = 50
	}
}

// resolveBatchSize 负值表示不分批：整个语料作为一批。
func resolveBatchSize(batchSize, total int) int {
	if batchSize >= 1 {
		return batchSize
	}
	if total < 1 {
		return 1
	}
	return total
}

// BuildStats 构建统计。
type BuildStats struct {
	TotalNodes    int
	Uploaded      int
	FailedBatches int
	SkippedAhead  int // 断点续跑时跳过的批数
}

// Indexer 向量索引构建器。
type Indexer struct {
	store    VectorStore
	embedder Embedder
	chunks   ChunkProvider
}

func NewIndexer(store VectorStore, embedder Embedder, chunks ChunkProvider) *Indexer {
	return &Indexer{store: store, embedder: embedder, chunks: chunks}
}

// Build 加载 -> 分块 -> 分批 embed -> 分批上传。
// 单批失败记录并跳过，不中断其余批次；部分成功是可接受、可报告的结果。
func (ix *Indexer) Build(ctx context.Context, loader source.Loader, opts BuildOptions) (BuildStats, error) {
	opts.normalize()

	if err := ix.store.Ping(ctx); err != nil {
		return BuildStats{}, doc.NewError(doc.KindPermanent, "vector.ping", err)
	}

	records, err := loader.Load(ctx, opts.Limit)
	if err != nil {
		return BuildStats{}, fmt.Errorf("load documents (%s): %w", loader.Source(), err)
	}
	chunks, cached, err := ix.chunks.GetOrCompute(ctx, records, false)
	if err != nil {
		return BuildStats{}, fmt.Errorf("chunk documents: %w", err)
	}
	applog.Info("[Vector] Chunks ready", "count", len(chunks), "from_cache", cached)

	if err := ix.store.EnsureCollection(ctx, ix.embedder.Dims(), !opts.Incremental); err != nil {
		return BuildStats{}, err
	}

	stats := BuildStats{TotalNodes: len(chunks)}
	batchSize := resolveBatchSize(opts.BatchSize, len(chunks))
	totalBatches := (len(chunks) + batchSize - 1) / batchSize
	processed := 0

	for batch := 0; batch < totalBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if batch < opts.StartBatch {
			stats.SkippedAhead++
			continue
		}
		if opts.MaxBatches > 0 && processed >= opts.MaxBatches {
			applog.Info("[Vector] Batch window exhausted", "processed", processed, "next_start_batch", batch)
			break
		}
		processed++

		start := batch * batchSize
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		slice := chunks[start:end]

		if err := ix.uploadBatch(ctx, slice); err != nil {
			applog.Error("[Vector] Batch failed, continuing", "batch", batch, "size", len(slice), "error", err)
			stats.FailedBatches++
			continue
		}
		stats.Uploaded += len(slice)

		if processed%opts.GCEvery == 0 {
			// 吞吐换有界内存：受限主机上大语料构建的刻意取舍
			runtime.GC()
			applog.Debug("[Vector] Forced GC pass", "batches_done", processed)
		}
	}

	applog.Info("[Vector] Build finished",
		"total_nodes", stats.TotalNodes,
		"uploaded", stats.Uploaded,
		"failed_batches", stats.FailedBatches,
		"incremental", opts.Incremental,
	)
	return stats, nil
}

func (ix *Indexer) uploadBatch(ctx context.Context, chunks []doc.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	points := make([]Point, len(chunks))
	for i, c := range chunks {
		points[i] = Point{
			ID:     PointID(c),
			Vector: vectors[i],
			Payload: map[string]any{
				"source_id":      c.SourceID,
				"text":           c.Text,
				"title":          c.Meta.Title,
				"author":         c.Meta.Author,
				"url":            c.Meta.URL,
				"publish_time":   c.Meta.PublishTime,
				"platform":       c.Meta.Platform,
				"pagerank_score": c.Meta.PageRankScore,
				"chunk_index":    c.Meta.ChunkIndex,
			},
		}
	}
	return ix.store.Upsert(ctx, points)
}

// Upsert 直接写入给定 chunks（增量编排器的入口，跳过全量加载与集合重建）。
func (ix *Indexer) Upsert(ctx context.Context, chunks []doc.Chunk, batchSize int) (int, int, error) {
	if batchSize == 0 {
		batchSize = 100
	}
	batchSize = resolveBatchSize(batchSize, len(chunks))
	if err := ix.store.EnsureCollection(ctx, ix.embedder.Dims(), false); err != nil {
		return 0, 0, err
	}

	uploaded, failed := 0, 0
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := ix.uploadBatch(ctx, chunks[start:end]); err != nil {
			applog.Error("[Vector] Incremental batch failed", "start", start, "error", err)
			failed += end - start
			continue
		}
		uploaded += end - start
	}
	return uploaded, failed, nil
}

// Validate 连通性 + 点数检查。
func (ix *Indexer) Validate(ctx context.Context) (int, error) {
	if err := ix.store.Ping(ctx); err != nil {
		return 0, err
	}
	return ix.store.Count(ctx)
}

// PointID 由 chunk 的稳定标识派生确定性 UUID，保证重复 upsert 幂等。
func PointID(c doc.Chunk) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.ChunkID())).String()
}
