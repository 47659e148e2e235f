package build

import (
	"context"
	"fmt"
	"time"

	"indexforge/internal/db/postgres"
	"indexforge/internal/domain/doc"
	"indexforge/internal/index/fulltext"
	"indexforge/internal/index/lexical"
	"indexforge/internal/index/vector"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

// Importer 关系库后端（postgres.Store 的接口化）。
type Importer interface {
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	ImportDocuments(ctx context.Context, docs []doc.RawDocument, includePageRank bool, isOfficial func(string) bool) (postgres.ImportResult, error)
}

// LexicalBuilder BM25 后端。
type LexicalBuilder interface {
	Build(ctx context.Context, loader source.Loader, limit, batchSize int) (lexical.BuildStats, error)
	Validate() (int, error)
}

// VectorBuilder 向量后端。
type VectorBuilder interface {
	Build(ctx context.Context, loader source.Loader, opts vector.BuildOptions) (vector.BuildStats, error)
	Validate(ctx context.Context) (int, error)
}

// FulltextBuilder 全文后端。
type FulltextBuilder interface {
	Build(ctx context.Context, loader source.Loader, opts fulltext.BuildOptions) (fulltext.BuildStats, error)
	Validate(ctx context.Context) (int, error)
}

// ChunkSplitter 干跑模式的分块器。
type ChunkSplitter interface {
	SplitAll(records []doc.CanonicalRecord) []doc.Chunk
}

// Options 一次复合构建的参数。
type Options struct {
	Backends  []doc.Backend // 空表示全部
	Limit     int
	BatchSize int
	// 向量后端断点续跑窗口。
	StartBatch  int
	MaxBatches  int
	Incremental bool
	GCEvery     int
	// TestRun 干跑：只加载与分块，不写任何后端。
	TestRun bool
	// BulkChunkSize 全文 bulk 批大小。
	BulkChunkSize int
}

// Orchestrator 复合构建编排器：依次驱动选中的后端，
// 单后端失败隔离记录，汇总报告覆盖每个被尝试的后端。
type Orchestrator struct {
	scanner    *source.Scanner
	loader     source.Loader
	store      Importer
	lexical    LexicalBuilder
	vector     VectorBuilder
	fulltext   FulltextBuilder
	splitter   ChunkSplitter
	isOfficial func(platform string) bool
}

func NewOrchestrator(
	scanner *source.Scanner,
	loader source.Loader,
	store Importer,
	lexicalIx LexicalBuilder,
	vectorIx VectorBuilder,
	fulltextIx FulltextBuilder,
	splitter ChunkSplitter,
	isOfficial func(platform string) bool,
) *Orchestrator {
	if isOfficial == nil {
		isOfficial = func(string) bool { return false }
	}
	return &Orchestrator{
		scanner:    scanner,
		loader:     loader,
		store:      store,
		lexical:    lexicalIx,
		vector:     vectorIx,
		fulltext:   fulltextIx,
		splitter:   splitter,
		isOfficial: isOfficial,
	}
}

// Run 执行复合构建并返回完整报告。
// 返回 error 仅表示编排级失败（参数非法、干跑加载失败）；
// 后端级失败进入报告，由调用方决定如何呈现。
func (o *Orchestrator) Run(ctx context.Context, opts Options) (doc.BuildReport, error) {
	backends := opts.Backends
	if len(backends) == 0 {
		backends = doc.AllBackends()
	}

	if opts.TestRun {
		return doc.BuildReport{}, o.dryRun(ctx, opts.Limit)
	}

	report := doc.BuildReport{}
	for _, backend := range backends {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := time.Now()
		entry := o.runBackend(ctx, backend, opts)
		elapsed := time.Since(start)

		if entry.Success {
			applog.Info("✅ [Build] Backend finished", "backend", backend, "elapsed", elapsed.Round(time.Millisecond), "total", entry.Total, "failed", entry.Failed)
		} else {
			applog.Error("❌ [Build] Backend failed", "backend", backend, "elapsed", elapsed.Round(time.Millisecond), "message", entry.Message)
		}
		report.Backends = append(report.Backends, entry)
	}

	if report.AllSucceeded() {
		applog.Info("🎉 [Build] All backends succeeded", "count", len(report.Backends))
	} else {
		applog.Warn("[Build] Completed with backend failures", "report", report)
	}
	return report, nil
}

func (o *Orchestrator) runBackend(ctx context.Context, backend doc.Backend, opts Options) doc.BackendReport {
	entry := doc.BackendReport{Backend: backend}
	switch backend {
	case doc.BackendMySQL:
		total, failed, err := o.buildRelational(ctx, opts)
		entry.Total, entry.Failed = total, failed
		fillReport(&entry, err, "documents imported")
	case doc.BackendBM25:
		stats, err := o.lexical.Build(ctx, o.loader, opts.Limit, opts.BatchSize)
		entry.Total, entry.Failed = stats.TotalNodes, stats.EmptyNodes
		fillReport(&entry, err, "nodes indexed")
	case doc.BackendQdrant:
		stats, err := o.vector.Build(ctx, o.loader, vector.BuildOptions{
			Limit:       opts.Limit,
			BatchSize:   opts.BatchSize,
			StartBatch:  opts.StartBatch,
			MaxBatches:  opts.MaxBatches,
			Incremental: opts.Incremental,
			GCEvery:     opts.GCEvery,
		})
		entry.Total, entry.Failed = stats.Uploaded, stats.FailedBatches
		fillReport(&entry, err, "chunks uploaded")
		// 部分批次失败依然算整体成功，但报告里可见
	case doc.BackendElasticsearch:
		stats, err := o.fulltext.Build(ctx, o.loader, fulltext.BuildOptions{
			Limit:     opts.Limit,
			BatchSize: opts.BulkChunkSize,
			Recreate:  !opts.Incremental,
		})
		entry.Total, entry.Failed = stats.Indexed, stats.Failed
		fillReport(&entry, err, "documents indexed")
	default:
		entry.Success = false
		entry.Message = fmt.Sprintf("unknown backend %q", backend)
	}
	return entry
}

// buildRelational 扫描原始文件并入库（mysql 后端）。
func (o *Orchestrator) buildRelational(ctx context.Context, opts Options) (int, int, error) {
	if err := o.store.EnsureSchema(ctx); err != nil {
		return 0, 0, fmt.Errorf("ensure schema: %w", err)
	}
	scan, err := o.scanner.ScanAll(ctx, opts.Limit)
	if err != nil {
		return 0, 0, fmt.Errorf("scan raw files: %w", err)
	}
	if len(scan.Documents) == 0 {
		return 0, 0, fmt.Errorf("no raw documents found")
	}
	result, err := o.store.ImportDocuments(ctx, scan.Documents, true, o.isOfficial)
	if err != nil {
		return result.Imported, result.Failed, err
	}
	return result.Imported, result.Failed, nil
}

// dryRun 只加载与分块并打印统计，不写任何后端。
func (o *Orchestrator) dryRun(ctx context.Context, limit int) error {
	records, err := o.loader.Load(ctx, limit)
	if err != nil {
		return fmt.Errorf("dry run load (%s): %w", o.loader.Source(), err)
	}
	chunks := o.splitter.SplitAll(records)

	platforms := map[string]int{}
	for _, rec := range records {
		platforms[rec.Platform]++
	}
	applog.Info("🧪 [Build] Dry run complete, no backends touched",
		"documents", len(records),
		"chunks", len(chunks),
		"platforms", platforms,
		"source", o.loader.Source(),
	)
	return nil
}

// Validate 对选中的后端做健康检查，报告结构与构建一致。
func (o *Orchestrator) Validate(ctx context.Context, backends []doc.Backend) doc.BuildReport {
	if len(backends) == 0 {
		backends = doc.AllBackends()
	}

	report := doc.BuildReport{}
	for _, backend := range backends {
		entry := doc.BackendReport{Backend: backend}
		switch backend {
		case doc.BackendMySQL:
			fillReport(&entry, o.store.Ping(ctx), "reachable")
		case doc.BackendBM25:
			count, err := o.lexical.Validate()
			entry.Total = count
			fillReport(&entry, err, "nodes in artifact")
		case doc.BackendQdrant:
			count, err := o.vector.Validate(ctx)
			entry.Total = count
			fillReport(&entry, err, "points in collection")
		case doc.BackendElasticsearch:
			count, err := o.fulltext.Validate(ctx)
			entry.Total = count
			fillReport(&entry, err, "documents in index")
		default:
			entry.Message = fmt.Sprintf("unknown backend %q", backend)
		}

		if entry.Success {
			applog.Info("✅ [Validate] Backend healthy", "backend", backend, "total", entry.Total)
		} else {
			applog.Error("❌ [Validate] Backend check failed", "backend", backend, "message", entry.Message)
		}
		report.Backends = append(report.Backends, entry)
	}
	return report
}

func fillReport(entry *doc.BackendReport, err error, okMessage string) {
	if err != nil {
		entry.Success = false
		entry.Message = err.Error()
		return
	}
	entry.Success = true
	entry.Message = okMessage
}
