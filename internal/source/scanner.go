package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// Scanner 遍历原始文件树 root/{platform}/{tag}/{YYYYMM}/{itemDir}/{item}.json。
// 所有遍历都按路径排序，保证批次切分在多次运行间确定。
type Scanner struct {
	root string
}

func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// ScanResult 一次扫描的统计。单个坏文件只计数，不中断整体。
type ScanResult struct {
	Documents []doc.RawDocument
	Skipped   int
}

// ScanAll 扫描全部原始文件。limit > 0 时最多返回 limit 篇。
func (s *Scanner) ScanAll(ctx context.Context, limit int) (*ScanResult, error) {
	return s.scan(ctx, limit, nil, nil)
}

// ScanWindow 扫描发布时间落在 [start, end] 内的原始文件。
// 两阶段过滤：先用月目录名做粗过滤，只进入与窗口重叠的 YYYYMM 目录；
// 再解析候选文件的 publish_time 做精确过滤。多年份语料下扫描成本与窗口成正比。
func (s *Scanner) ScanWindow(ctx context.Context, start, end time.Time) (*ScanResult, error) {
	months := monthSet(start, end)
	return s.scan(ctx, -1, months, func(d doc.RawDocument) bool {
		t := d.PublishTime
		return !t.Before(start) && !t.After(end)
	})
}

// scan: months 为 nil 表示不做月目录粗过滤；filter 为 nil 表示全量。
func (s *Scanner) scan(ctx context.Context, limit int, months map[string]struct{}, filter func(doc.RawDocument) bool) (*ScanResult, error) {
	platforms, err := sortedSubdirs(s.root)
	if err != nil {
		return nil, fmt.Errorf("read raw root %q: %w", s.root, err)
	}

	res := &ScanResult{}
	var monthsPruned int

	for _, platform := range platforms {
		tags, err := sortedSubdirs(filepath.Join(s.root, platform))
		if err != nil {
			applog.Warn("[Source] Skipping unreadable platform dir", "platform", platform, "error", err)
			continue
		}
		for _, tag := range tags {
			monthDirs, err := sortedSubdirs(filepath.Join(s.root, platform, tag))
			if err != nil {
				applog.Warn("[Source] Skipping unreadable tag dir", "platform", platform, "tag", tag, "error", err)
				continue
			}
			for _, month := range monthDirs {
				if months != nil {
					if _, ok := months[month]; !ok {
						monthsPruned++
						continue
					}
				}
				dir := filepath.Join(s.root, platform, tag, month)
				if err := s.scanMonth(ctx, dir, platform, tag, limit, filter, res); err != nil {
					return nil, err
				}
				if limit > 0 && len(res.Documents) >= limit {
					return res, nil
				}
			}
		}
	}

	applog.Info("[Source] Scan finished",
		"documents", len(res.Documents),
		"skipped", res.Skipped,
		"months_pruned", monthsPruned,
	)
	return res, nil
}

func (s *Scanner) scanMonth(ctx context.Context, dir, platform, tag string, limit int, filter func(doc.RawDocument) bool, res *ScanResult) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			applog.Warn("[Source] Walk error", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := ParseFile(path, platform, tag)
		if err != nil {
			applog.Warn("[Source] Skipping bad file", "path", path, "error", err)
			res.Skipped++
			continue
		}
		if filter != nil && !filter(raw) {
			continue
		}
		res.Documents = append(res.Documents, raw)
		if limit > 0 && len(res.Documents) >= limit {
			return nil
		}
	}
	return nil
}

// ParseFile 解析单个原始 JSON 文件。platform/tag 以路径段为准，文件内容兜底。
func ParseFile(path, platform, tag string) (doc.RawDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return doc.RawDocument{}, doc.NewError(doc.KindSourceRead, "source.read", err)
	}

	var rf rawFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return doc.RawDocument{}, doc.NewError(doc.KindSourceRead, "source.parse", err)
	}

	d := doc.RawDocument{
		ID:          rf.ID,
		OriginalURL: strings.TrimSpace(rf.OriginalURL),
		Title:       strings.TrimSpace(rf.Title),
		Content:     rf.Content,
		Author:      rf.Author,
		Platform:    platform,
		Tag:         tag,
		FileURL:     rf.FileURL,
		LinkTargets: rf.LinkTargets,
		Path:        path,
	}
	if d.Platform == "" {
		d.Platform = rf.Platform
	}
	if d.OriginalURL == "" {
		return doc.RawDocument{}, doc.NewError(doc.KindSourceRead, "source.parse", fmt.Errorf("missing original_url in %s", path))
	}
	if d.PublishTime, err = ParseTime(rf.PublishTime); err != nil {
		return doc.RawDocument{}, doc.NewError(doc.KindSourceRead, "source.parse", fmt.Errorf("publish_time: %w", err))
	}
	if rf.ScrapeTime != "" {
		if d.ScrapeTime, err = ParseTime(rf.ScrapeTime); err != nil {
			// 抓取时间缺失不致命
			d.ScrapeTime = time.Time{}
		}
	}
	return d, nil
}

type rawFile struct {
	ID          string   `json:"id"`
	OriginalURL string   `json:"original_url"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Author      string   `json:"author"`
	PublishTime string   `json:"publish_time"`
	ScrapeTime  string   `json:"scrape_time"`
	Platform    string   `json:"platform"`
	FileURL     string   `json:"file_url"`
	LinkTargets []string `json:"link_targets"`
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// ParseTime 解析爬虫产出的多格式时间字符串。
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

// monthSet 返回与 [start, end] 重叠的所有 YYYYMM 目录名。
func monthSet(start, end time.Time) map[string]struct{} {
	months := make(map[string]struct{})
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	for !cur.After(end) {
		months[cur.Format("200601")] = struct{}{}
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
