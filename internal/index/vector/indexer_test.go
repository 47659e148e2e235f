package vector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"indexforge/internal/domain/doc"
)

type fakeStore struct {
	pingErr     error
	recreated   []bool
	upserts     [][]Point
	failBatches map[int]bool // 第 n 次 Upsert 调用失败（0 起）
	count       int
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) EnsureCollection(ctx context.Context, dims int, recreate bool) error {
	f.recreated = append(f.recreated, recreate)
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, points []Point) error {
	call := len(f.upserts)
	if f.failBatches[call] {
		f.upserts = append(f.upserts, nil)
		return errors.New("upsert failed")
	}
	f.upserts = append(f.upserts, points)
	return nil
}

func (f *fakeStore) Count(ctx context.Context) (int, error) { return f.count, nil }

type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Dims() int { return f.dims }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

type fakeChunkProvider struct {
	chunks []doc.Chunk
}

func (f *fakeChunkProvider) GetOrCompute(ctx context.Context, records []doc.CanonicalRecord, forceRefresh bool) ([]doc.Chunk, bool, error) {
	return f.chunks, false, nil
}

type fakeLoader struct{}

func (fakeLoader) Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	return []doc.CanonicalRecord{{OriginalURL: "https://example.com/doc"}}, nil
}

func (fakeLoader) Source() doc.DataSource { return doc.DataSourceRawOnly }

func makeChunks(n int) []doc.Chunk {
	chunks := make([]doc.Chunk, n)
	for i := range chunks {
		chunks[i] = doc.Chunk{
			SourceID: "https://example.com/doc",
			Text:     fmt.Sprintf("chunk %d", i),
			Meta:     doc.ChunkMeta{URL: "https://example.com/doc", ChunkIndex: i},
		}
	}
	return chunks
}

func TestBuildUploadsAllBatches(t *testing.T) {
	store := &fakeStore{}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(25)})

	stats, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalNodes != 25 || stats.Uploaded != 25 || stats.FailedBatches != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(store.upserts) != 3 {
		t.Fatalf("expected 3 upsert calls, got %d", len(store.upserts))
	}
	// 全量构建删除重建集合
	if len(store.recreated) != 1 || !store.recreated[0] {
		t.Fatalf("expected recreate=true, got %v", store.recreated)
	}
}

// batch-size -1 = 不分批：整个语料一次上传。
func TestBuildNegativeBatchSizeSingleBatch(t *testing.T) {
	store := &fakeStore{}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(25)})

	stats, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{BatchSize: -1})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Uploaded != 25 {
		t.Fatalf("uploaded = %d", stats.Uploaded)
	}
	if len(store.upserts) != 1 || len(store.upserts[0]) != 25 {
		t.Fatalf("expected a single 25-point upsert, got %d calls", len(store.upserts))
	}

	store = &fakeStore{}
	ix = NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{})
	uploaded, failed, err := ix.Upsert(context.Background(), makeChunks(15), -1)
	if err != nil || uploaded != 15 || failed != 0 {
		t.Fatalf("uploaded=%d failed=%d err=%v", uploaded, failed, err)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("incremental upsert calls = %d, want 1", len(store.upserts))
	}
}

func TestBuildIncrementalReusesCollection(t *testing.T) {
	store := &fakeStore{}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(5)})

	if _, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{BatchSize: 10, Incremental: true}); err != nil {
		t.Fatal(err)
	}
	if len(store.recreated) != 1 || store.recreated[0] {
		t.Fatalf("incremental build must not recreate the collection: %v", store.recreated)
	}
}

// 单批失败只计数并继续，其余批次照常上传。
func TestBuildIsolatesBatchFailures(t *testing.T) {
	store := &fakeStore{failBatches: map[int]bool{1: true}}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(30)})

	stats, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedBatches != 1 {
		t.Fatalf("failed batches = %d", stats.FailedBatches)
	}
	if stats.Uploaded != 20 {
		t.Fatalf("uploaded = %d, want 20", stats.Uploaded)
	}
}

func TestBuildResumeWindow(t *testing.T) {
	store := &fakeStore{}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(50)})

	stats, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{
		BatchSize:  10,
		StartBatch: 2,
		MaxBatches: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedAhead != 2 {
		t.Fatalf("skipped = %d", stats.SkippedAhead)
	}
	if stats.Uploaded != 20 {
		t.Fatalf("uploaded = %d, want exactly the 2-batch window", stats.Uploaded)
	}
	if len(store.upserts) != 2 {
		t.Fatalf("upsert calls = %d", len(store.upserts))
	}
	// 窗口从第 2 批开始：第一个上传的 chunk 应是第 20 个
	if store.upserts[0][0].Payload["chunk_index"] != 20 {
		t.Fatalf("window started at wrong chunk: %v", store.upserts[0][0].Payload["chunk_index"])
	}
}

func TestBuildPingGate(t *testing.T) {
	store := &fakeStore{pingErr: errors.New("connection refused")}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{chunks: makeChunks(5)})

	_, err := ix.Build(context.Background(), fakeLoader{}, BuildOptions{})
	if err == nil {
		t.Fatal("expected ping failure to abort the build")
	}
	if doc.KindOf(err) != doc.KindPermanent {
		t.Fatalf("ping failure should be permanent, got %v", doc.KindOf(err))
	}
	if len(store.upserts) != 0 {
		t.Fatal("no uploads should happen after a failed ping")
	}
}

func TestUpsertIncremental(t *testing.T) {
	store := &fakeStore{failBatches: map[int]bool{0: true}}
	ix := NewIndexer(store, &fakeEmbedder{dims: 8}, &fakeChunkProvider{})

	uploaded, failed, err := ix.Upsert(context.Background(), makeChunks(15), 10)
	if err != nil {
		t.Fatal(err)
	}
	if uploaded != 5 || failed != 10 {
		t.Fatalf("uploaded=%d failed=%d", uploaded, failed)
	}
	if len(store.recreated) != 1 || store.recreated[0] {
		t.Fatal("incremental upsert must never recreate the collection")
	}
}

func TestPointIDDeterministic(t *testing.T) {
	c := doc.Chunk{SourceID: "https://example.com/doc", Meta: doc.ChunkMeta{ChunkIndex: 3}}

	if PointID(c) != PointID(c) {
		t.Fatal("point id must be deterministic")
	}

	other := doc.Chunk{SourceID: "https://example.com/doc", Meta: doc.ChunkMeta{ChunkIndex: 4}}
	if PointID(c) == PointID(other) {
		t.Fatal("different chunk indexes must map to different point ids")
	}

	// 同 chunk 不同文本内容：ID 只由稳定标识派生，内容更新时覆盖同一个点
	updated := c
	updated.Text = "new text"
	if PointID(c) != PointID(updated) {
		t.Fatal("point id must not depend on chunk text")
	}
}
