package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRawFile(t *testing.T, root, platform, tag, month, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, platform, tag, month, "item")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanAll(t *testing.T) {
	root := t.TempDir()
	writeRawFile(t, root, "website", "blog", "202401", "a.json",
		`{"original_url":"https://example.com/a","title":"A","content":"内容A","publish_time":"2024-01-05 10:00:00"}`)
	writeRawFile(t, root, "wechat", "news", "202402", "b.json",
		`{"original_url":"https://example.com/b","title":"B","content":"内容B","publish_time":"2024-02-01T08:30:00Z"}`)
	// 坏文件只计数，不中断
	writeRawFile(t, root, "website", "blog", "202401", "bad.json", `{not json`)
	// 缺 original_url 同样跳过
	writeRawFile(t, root, "website", "blog", "202401", "nourl.json",
		`{"title":"X","publish_time":"2024-01-06"}`)

	res, err := NewScanner(root).ScanAll(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(res.Documents))
	}
	if res.Skipped != 2 {
		t.Fatalf("expected 2 skipped files, got %d", res.Skipped)
	}

	// platform 目录按字典序：website 在 wechat 之前
	if res.Documents[0].Platform != "website" || res.Documents[1].Platform != "wechat" {
		t.Fatalf("unexpected platform order: %s, %s", res.Documents[0].Platform, res.Documents[1].Platform)
	}
	if res.Documents[0].Tag != "blog" {
		t.Errorf("tag = %q, want blog", res.Documents[0].Tag)
	}
}

func TestScanAllLimit(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		writeRawFile(t, root, "website", "blog", "202401", name,
			`{"original_url":"https://example.com/`+name+`","title":"t","content":"c","publish_time":"2024-01-05"}`)
	}

	res, err := NewScanner(root).ScanAll(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("expected limit to cap documents at 2, got %d", len(res.Documents))
	}
}

func TestScanAllDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeRawFile(t, root, "website", "blog", "202401", "b.json",
		`{"original_url":"https://example.com/b","publish_time":"2024-01-02"}`)
	writeRawFile(t, root, "website", "blog", "202401", "a.json",
		`{"original_url":"https://example.com/a","publish_time":"2024-01-01"}`)

	scanner := NewScanner(root)
	first, err := scanner.ScanAll(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := scanner.ScanAll(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Documents) != 2 || len(second.Documents) != 2 {
		t.Fatal("expected 2 documents in both runs")
	}
	for i := range first.Documents {
		if first.Documents[i].OriginalURL != second.Documents[i].OriginalURL {
			t.Fatalf("order differs at %d between runs", i)
		}
	}
	// 文件路径排序：a.json 在 b.json 之前
	if first.Documents[0].OriginalURL != "https://example.com/a" {
		t.Fatalf("expected path-sorted order, got %s first", first.Documents[0].OriginalURL)
	}
}

// TestScanWindow 月目录粗过滤 + publish_time 精过滤的两阶段窗口扫描。
func TestScanWindow(t *testing.T) {
	root := t.TempDir()
	writeRawFile(t, root, "website", "blog", "202401", "a.json",
		`{"original_url":"https://example.com/a","publish_time":"2024-01-05 10:00:00"}`)
	writeRawFile(t, root, "website", "blog", "202401", "b.json",
		`{"original_url":"https://example.com/b","publish_time":"2024-01-20 18:00:00"}`)
	// 月目录与窗口重叠但发布时间在窗口外
	writeRawFile(t, root, "website", "blog", "202401", "late.json",
		`{"original_url":"https://example.com/late","publish_time":"2024-01-31 23:00:00"}`)
	// 月目录不重叠，粗过滤直接剪掉
	writeRawFile(t, root, "website", "blog", "202402", "c.json",
		`{"original_url":"https://example.com/c","publish_time":"2024-02-01 09:00:00"}`)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 25, 23, 59, 59, 0, time.UTC)

	res, err := NewScanner(root).ScanWindow(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("expected 2 documents in window, got %d", len(res.Documents))
	}
	urls := map[string]bool{}
	for _, d := range res.Documents {
		urls[d.OriginalURL] = true
	}
	if !urls["https://example.com/a"] || !urls["https://example.com/b"] {
		t.Fatalf("unexpected window contents: %v", urls)
	}
}

func TestScanWindowInclusiveBounds(t *testing.T) {
	root := t.TempDir()
	writeRawFile(t, root, "website", "blog", "202401", "edge.json",
		`{"original_url":"https://example.com/edge","publish_time":"2024-01-31 00:00:00"}`)

	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	res, err := NewScanner(root).ScanWindow(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("window bounds should be inclusive, got %d documents", len(res.Documents))
	}
}

func TestMonthSetSpansYearBoundary(t *testing.T) {
	start := time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	months := monthSet(start, end)
	if len(months) != 2 {
		t.Fatalf("expected 2 months, got %d: %v", len(months), months)
	}
	for _, m := range []string{"202312", "202401"} {
		if _, ok := months[m]; !ok {
			t.Errorf("missing month %s", m)
		}
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
		ok    bool
	}{
		{name: "rfc3339", input: "2024-01-05T10:00:00Z", want: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), ok: true},
		{name: "datetime", input: "2024-01-05 10:00:00", want: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), ok: true},
		{name: "datetime no zone", input: "2024-01-05T10:00:00", want: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), ok: true},
		{name: "date only", input: "2024-01-05", want: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ok: true},
		{name: "slash datetime", input: "2024/01/05 10:00:00", want: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), ok: true},
		{name: "slash date", input: "2024/01/05", want: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ok: true},
		{name: "padded", input: "  2024-01-05  ", want: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ok: true},
		{name: "empty", input: "", ok: false},
		{name: "garbage", input: "not a time", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.input)
			if tt.ok != (err == nil) {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFilePlatformFromPath(t *testing.T) {
	root := t.TempDir()
	// 文件内容声明的 platform 与路径不同时，以路径段为准
	path := writeRawFile(t, root, "website", "blog", "202401", "a.json",
		`{"original_url":"https://example.com/a","platform":"other","publish_time":"2024-01-05"}`)

	d, err := ParseFile(path, "website", "blog")
	if err != nil {
		t.Fatal(err)
	}
	if d.Platform != "website" {
		t.Fatalf("platform = %q, want website", d.Platform)
	}
	if d.Path != path {
		t.Fatalf("path = %q", d.Path)
	}
}
