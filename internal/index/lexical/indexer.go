package lexical

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
	"indexforge/internal/source"
)

// ChunkProvider 分块缓存协作方。
type ChunkProvider interface {
	GetOrCompute(ctx context.Context, records []doc.CanonicalRecord, forceRefresh bool) ([]doc.Chunk, bool, error)
}

// Artifact 序列化到单文件的构建产物。
// 派生物：权威数据在关系库与原始文件中，产物可随时重建。
type Artifact struct {
	Nodes  []doc.Chunk `json:"nodes"`
	Corpus [][]string  `json:"tokenized_corpus"`
	Model  *BM25       `json:"ranking_model"`
}

// Config 构建配置。
type Config struct {
	ArtifactPath string
	K1, B        float64
	MaxWorkers   int
}

// Indexer BM25 词法索引构建器。
type Indexer struct {
	cfg       Config
	chunks    ChunkProvider
	tokenizer *Tokenizer
}

func NewIndexer(cfg Config, chunks ChunkProvider) *Indexer {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Indexer{cfg: cfg, chunks: chunks, tokenizer: NewTokenizer()}
}

// BuildStats 构建统计。
type BuildStats struct {
	TotalNodes int
	EmptyNodes int
}

// Build 加载 -> 分块 -> 分词 -> 建模 -> 序列化。
// limit > 0 时截断文档数；batchSize 仅影响分词日志节奏，-1 表示不分批。
// 整个语料分词后全为空视为构建失败（快速失败而非产出退化索引）。
func (ix *Indexer) Build(ctx context.Context, loader source.Loader, limit, batchSize int) (BuildStats, error) {
	records, err := loader.Load(ctx, limit)
	if err != nil {
		return BuildStats{}, fmt.Errorf("load documents (%s): %w", loader.Source(), err)
	}
	if len(records) == 0 {
		return BuildStats{}, fmt.Errorf("no documents loaded from %s", loader.Source())
	}

	chunks, cached, err := ix.chunks.GetOrCompute(ctx, records, false)
	if err != nil {
		return BuildStats{}, fmt.Errorf("chunk documents: %w", err)
	}
	applog.Info("[BM25] Chunks ready", "count", len(chunks), "from_cache", cached)

	corpus, empty := ix.tokenizeAll(ctx, chunks, batchSize)
	if empty == len(chunks) {
		return BuildStats{}, fmt.Errorf("tokenization produced an empty corpus (%d chunks, 0 tokens): check stop-word list and input language", len(chunks))
	}

	model := NewBM25(ix.cfg.K1, ix.cfg.B)
	model.Fit(corpus)

	artifact := Artifact{Nodes: chunks, Corpus: corpus, Model: model}
	if err := ix.writeArtifact(artifact); err != nil {
		return BuildStats{}, err
	}

	applog.Info("[BM25] Index built",
		"nodes", len(chunks),
		"empty_nodes", empty,
		"avg_doc_len", model.AvgDocLen,
		"artifact", ix.cfg.ArtifactPath,
	)
	return BuildStats{TotalNodes: len(chunks), EmptyNodes: empty}, nil
}

// tokenizeAll 用有界 worker 池并行分词（CPU 密集，不阻塞 I/O 调度）。
func (ix *Indexer) tokenizeAll(ctx context.Context, chunks []doc.Chunk, batchSize int) ([][]string, int) {
	corpus := make([][]string, len(chunks))

	var wg sync.WaitGroup
	sem := make(chan struct{}, ix.cfg.MaxWorkers)
	for i := range chunks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			corpus[i] = ix.tokenizer.Tokenize(chunks[i].Text)
		}(i)

		if batchSize > 0 && (i+1)%batchSize == 0 {
			applog.Debug("[BM25] Tokenizing", "done", i+1, "total", len(chunks))
		}
	}
	wg.Wait()

	empty := 0
	for _, tokens := range corpus {
		if len(tokens) == 0 {
			empty++
		}
	}
	return corpus, empty
}

func (ix *Indexer) writeArtifact(artifact Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ix.cfg.ArtifactPath), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	// 先写临时文件再改名，避免半成品产物
	tmp := ix.cfg.ArtifactPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, ix.cfg.ArtifactPath); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Validate 反序列化产物并断言非空，返回节点数。
func (ix *Indexer) Validate() (int, error) {
	artifact, err := LoadArtifact(ix.cfg.ArtifactPath)
	if err != nil {
		return 0, err
	}
	if len(artifact.Nodes) == 0 {
		return 0, fmt.Errorf("artifact %s contains no nodes", ix.cfg.ArtifactPath)
	}
	if len(artifact.Corpus) != len(artifact.Nodes) {
		return 0, fmt.Errorf("artifact %s is inconsistent: %d nodes vs %d corpus entries",
			ix.cfg.ArtifactPath, len(artifact.Nodes), len(artifact.Corpus))
	}
	return len(artifact.Nodes), nil
}

// LoadArtifact 读取序列化产物。
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	return &artifact, nil
}
