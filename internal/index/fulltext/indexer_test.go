package fulltext

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"indexforge/internal/domain/doc"
)

type fakeEngine struct {
	pingErr    error
	ensured    []bool
	bulks      [][]Document
	failCalls  map[int]bool // 第 n 次 Bulk 整体失败
	itemErrors map[int]int  // 第 n 次 Bulk 的单条失败数
	count      int
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngine) EnsureIndex(ctx context.Context, recreate bool) error {
	f.ensured = append(f.ensured, recreate)
	return nil
}

func (f *fakeEngine) Bulk(ctx context.Context, docs []Document) (int, int, error) {
	call := len(f.bulks)
	f.bulks = append(f.bulks, docs)
	if f.failCalls[call] {
		return 0, len(docs), errors.New("bulk failed")
	}
	bad := f.itemErrors[call]
	return len(docs) - bad, bad, nil
}

func (f *fakeEngine) Count(ctx context.Context) (int, error) { return f.count, nil }

func (f *fakeEngine) Sample(ctx context.Context, n int) ([]string, error) {
	return []string{"title"}, nil
}

type fakeLoader struct {
	records []doc.CanonicalRecord
}

func (f *fakeLoader) Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	if limit > 0 && limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeLoader) Source() doc.DataSource { return doc.DataSourceRawOnly }

func makeRecords(n int) []doc.CanonicalRecord {
	records := make([]doc.CanonicalRecord, n)
	for i := range records {
		records[i] = doc.CanonicalRecord{
			OriginalURL: fmt.Sprintf("https://example.com/%d", i),
			Title:       fmt.Sprintf("doc %d", i),
			Platform:    "website",
		}
	}
	return records
}

func TestBuildBulksAllDocuments(t *testing.T) {
	engine := &fakeEngine{}
	ix := NewIndexer(engine)

	stats, err := ix.Build(context.Background(), &fakeLoader{records: makeRecords(12)}, BuildOptions{BatchSize: 5, Recreate: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 12 || stats.Indexed != 12 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(engine.bulks) != 3 {
		t.Fatalf("bulk calls = %d", len(engine.bulks))
	}
	if len(engine.ensured) != 1 || !engine.ensured[0] {
		t.Fatalf("expected recreate=true, got %v", engine.ensured)
	}
}

func TestBuildIsolatesBatchFailures(t *testing.T) {
	engine := &fakeEngine{failCalls: map[int]bool{1: true}}
	ix := NewIndexer(engine)

	stats, err := ix.Build(context.Background(), &fakeLoader{records: makeRecords(15)}, BuildOptions{BatchSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 10 || stats.Failed != 5 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(engine.bulks) != 3 {
		t.Fatalf("all batches should be attempted, got %d", len(engine.bulks))
	}
}

// 单条写入失败由引擎计数上报，构建整体继续。
func TestBuildCountsItemErrors(t *testing.T) {
	engine := &fakeEngine{itemErrors: map[int]int{0: 2}}
	ix := NewIndexer(engine)

	stats, err := ix.Build(context.Background(), &fakeLoader{records: makeRecords(5)}, BuildOptions{BatchSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 3 || stats.Failed != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBuildFailsWithoutDocuments(t *testing.T) {
	ix := NewIndexer(&fakeEngine{})
	if _, err := ix.Build(context.Background(), &fakeLoader{}, BuildOptions{}); err == nil {
		t.Fatal("expected error when loader returns no documents")
	}
}

func TestBuildPingGate(t *testing.T) {
	engine := &fakeEngine{pingErr: errors.New("connection refused")}
	ix := NewIndexer(engine)

	_, err := ix.Build(context.Background(), &fakeLoader{records: makeRecords(1)}, BuildOptions{})
	if err == nil {
		t.Fatal("expected ping failure to abort the build")
	}
	if doc.KindOf(err) != doc.KindPermanent {
		t.Fatalf("ping failure should be permanent, got %v", doc.KindOf(err))
	}
	if len(engine.bulks) != 0 {
		t.Fatal("no bulk writes after a failed ping")
	}
}

func TestRefreshNeverRecreates(t *testing.T) {
	engine := &fakeEngine{}
	ix := NewIndexer(engine)

	indexed, failed, err := ix.Refresh(context.Background(), makeRecords(7), 5)
	if err != nil {
		t.Fatal(err)
	}
	if indexed != 7 || failed != 0 {
		t.Fatalf("indexed=%d failed=%d", indexed, failed)
	}
	if len(engine.ensured) != 1 || engine.ensured[0] {
		t.Fatalf("refresh must not recreate the index: %v", engine.ensured)
	}
}

func TestFromRecord(t *testing.T) {
	rec := doc.CanonicalRecord{
		OriginalURL:   "https://example.com/a",
		Title:         "标题",
		Content:       "正文",
		Platform:      "wechat",
		PageRankScore: 0.9,
		IsOfficial:    true,
	}
	d := FromRecord(rec)
	if d.URL != rec.OriginalURL || d.Title != rec.Title || d.PageRankScore != 0.9 || !d.IsOfficial {
		t.Fatalf("FromRecord lost fields: %+v", d)
	}
}

func TestValidate(t *testing.T) {
	engine := &fakeEngine{count: 42}
	ix := NewIndexer(engine)

	count, err := ix.Validate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 42 {
		t.Fatalf("count = %d", count)
	}
}
