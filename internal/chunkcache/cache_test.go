package chunkcache

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"indexforge/internal/domain/doc"
)

type fixedSplitter struct {
	size    int
	overlap int
	calls   int
}

func (f *fixedSplitter) ChunkSize() int { return f.size }
func (f *fixedSplitter) Overlap() int   { return f.overlap }
func (f *fixedSplitter) SplitAll(records []doc.CanonicalRecord) []doc.Chunk {
	f.calls++
	var out []doc.Chunk
	for _, rec := range records {
		out = append(out, doc.Chunk{SourceID: rec.SourceID(), Text: rec.Content})
	}
	return out
}

func testRecords() []doc.CanonicalRecord {
	return []doc.CanonicalRecord{
		{OriginalURL: "https://example.com/1", Content: "第一篇文档内容。"},
		{OriginalURL: "https://example.com/2", Content: "second document body"},
	}
}

func newTestManager(size, overlap int) *Manager {
	return NewManager(nil, &fixedSplitter{size: size, overlap: overlap}, Config{
		TTL:         30 * 24 * time.Hour,
		SampleDocs:  20,
		SampleBytes: 256,
	})
}

func TestFingerprintDeterministic(t *testing.T) {
	m := newTestManager(512, 64)

	first := m.Fingerprint(testRecords())
	second := m.Fingerprint(testRecords())
	if first != second {
		t.Fatalf("fingerprint not deterministic: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "chunkcache:") {
		t.Fatalf("fingerprint missing namespace prefix: %s", first)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := newTestManager(512, 64).Fingerprint(testRecords())

	tests := []struct {
		name string
		got  string
	}{
		{name: "chunk size", got: newTestManager(256, 64).Fingerprint(testRecords())},
		{name: "overlap", got: newTestManager(512, 32).Fingerprint(testRecords())},
		{name: "content", got: newTestManager(512, 64).Fingerprint([]doc.CanonicalRecord{
			{OriginalURL: "https://example.com/1", Content: "changed"},
			{OriginalURL: "https://example.com/2", Content: "second document body"},
		})},
		{name: "source id", got: newTestManager(512, 64).Fingerprint([]doc.CanonicalRecord{
			{OriginalURL: "https://example.com/other", Content: "第一篇文档内容。"},
			{OriginalURL: "https://example.com/2", Content: "second document body"},
		})},
		{name: "doc count", got: newTestManager(512, 64).Fingerprint(testRecords()[:1])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got == base {
				t.Fatalf("changing %s did not change the fingerprint", tt.name)
			}
		})
	}
}

// 采样边界之外的内容变化不影响指纹：有界成本是刻意取舍。
func TestFingerprintSamplesContentPrefix(t *testing.T) {
	m := NewManager(nil, &fixedSplitter{size: 512, overlap: 64}, Config{SampleBytes: 8, SampleDocs: 20})

	a := m.Fingerprint([]doc.CanonicalRecord{{OriginalURL: "u", Content: "12345678-tail-one"}})
	b := m.Fingerprint([]doc.CanonicalRecord{{OriginalURL: "u", Content: "12345678-tail-two"}})
	if a != b {
		t.Fatal("content beyond the sample window should not affect the fingerprint")
	}

	c := m.Fingerprint([]doc.CanonicalRecord{{OriginalURL: "u", Content: "x2345678-tail-one"}})
	if a == c {
		t.Fatal("content inside the sample window must affect the fingerprint")
	}
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager(nil, &fixedSplitter{size: 512, overlap: 64}, Config{})
	if m.ttl != 30*24*time.Hour {
		t.Fatalf("default ttl = %v", m.ttl)
	}
	if m.sampleDocs != 20 || m.sampleBytes != 256 {
		t.Fatalf("default sampling = %d docs / %d bytes", m.sampleDocs, m.sampleBytes)
	}
}

func newCacheBackend(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	return srv, redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestGetOrComputeRoundTrip(t *testing.T) {
	_, rdb := newCacheBackend(t)
	splitter := &fixedSplitter{size: 512, overlap: 64}
	m := NewManager(rdb, splitter, Config{TTL: time.Hour})
	ctx := context.Background()

	first, cached, err := m.GetOrCompute(ctx, testRecords(), false)
	if err != nil || cached {
		t.Fatalf("first call: cached=%v err=%v", cached, err)
	}
	if splitter.calls != 1 {
		t.Fatalf("splitter calls = %d", splitter.calls)
	}

	second, cached, err := m.GetOrCompute(ctx, testRecords(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("second call must be served from cache")
	}
	if splitter.calls != 1 {
		t.Fatalf("cache hit must not recompute, splitter calls = %d", splitter.calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached chunks differ from computed ones:\n%+v\n%+v", first, second)
	}

	// forceRefresh 绕过命中重算并覆盖条目
	if _, cached, err = m.GetOrCompute(ctx, testRecords(), true); err != nil || cached {
		t.Fatalf("force refresh: cached=%v err=%v", cached, err)
	}
	if splitter.calls != 2 {
		t.Fatalf("force refresh must recompute, splitter calls = %d", splitter.calls)
	}
}

func TestGetOrComputeExpiredEntryRecomputed(t *testing.T) {
	_, rdb := newCacheBackend(t)
	splitter := &fixedSplitter{size: 512, overlap: 64}

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(rdb, splitter, Config{TTL: time.Hour}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, _, err := m.GetOrCompute(ctx, testRecords(), false); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	_, cached, err := m.GetOrCompute(ctx, testRecords(), false)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal("expired entry must be a miss")
	}
	if splitter.calls != 2 {
		t.Fatalf("splitter calls = %d", splitter.calls)
	}
}

func TestGetOrComputeCorruptEntryIsMiss(t *testing.T) {
	srv, rdb := newCacheBackend(t)
	splitter := &fixedSplitter{size: 512, overlap: 64}
	m := NewManager(rdb, splitter, Config{})
	ctx := context.Background()

	if err := srv.Set(m.Fingerprint(testRecords()), "{corrupt"); err != nil {
		t.Fatal(err)
	}

	chunks, cached, err := m.GetOrCompute(ctx, testRecords(), false)
	if err != nil {
		t.Fatalf("corrupt entry must not surface an error: %v", err)
	}
	if cached {
		t.Fatal("corrupt entry must be treated as a miss")
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
}

// Redis 整体不可达时退化为直接计算，错误不传给调用方。
func TestGetOrComputeSurvivesRedisOutage(t *testing.T) {
	srv, rdb := newCacheBackend(t)
	srv.Close()

	m := NewManager(rdb, &fixedSplitter{size: 512, overlap: 64}, Config{})
	chunks, cached, err := m.GetOrCompute(context.Background(), testRecords(), false)
	if err != nil {
		t.Fatalf("cache outage must not fail chunking: %v", err)
	}
	if cached {
		t.Fatal("outage cannot produce a cache hit")
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
}

func TestEntryValidity(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	splitter := &fixedSplitter{size: 512, overlap: 64}
	m := NewManager(nil, splitter, Config{TTL: 30 * 24 * time.Hour}).WithClock(func() time.Time { return now })

	tests := []struct {
		name  string
		entry entry
		valid bool
	}{
		{
			name:  "fresh entry with matching params",
			entry: entry{ChunkSize: 512, ChunkOverlap: 64, CreatedAt: now.Add(-24 * time.Hour)},
			valid: true,
		},
		{
			name:  "chunk size mismatch",
			entry: entry{ChunkSize: 256, ChunkOverlap: 64, CreatedAt: now.Add(-24 * time.Hour)},
			valid: false,
		},
		{
			name:  "overlap mismatch",
			entry: entry{ChunkSize: 512, ChunkOverlap: 32, CreatedAt: now.Add(-24 * time.Hour)},
			valid: false,
		},
		{
			name:  "expired entry",
			entry: entry{ChunkSize: 512, ChunkOverlap: 64, CreatedAt: now.Add(-31 * 24 * time.Hour)},
			valid: false,
		},
		{
			name:  "exactly at ttl boundary",
			entry: entry{ChunkSize: 512, ChunkOverlap: 64, CreatedAt: now.Add(-30 * 24 * time.Hour)},
			valid: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.entryValid(tt.entry); got != tt.valid {
				t.Fatalf("entryValid = %v, want %v", got, tt.valid)
			}
		})
	}
}
