package source

import (
	"context"
	"fmt"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// Loader 按 DataSource 模式加载权威记录。
// 三种模式各一个实现，索引器只面向接口，不再各自分支判断模式字符串。
type Loader interface {
	// Load 返回确定顺序（文件路径序或主键序）的记录列表。limit > 0 时截断。
	Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error)
	Source() doc.DataSource
}

// ScoreSource 提供 url -> PageRank 分数映射（关系库实现）。
type ScoreSource interface {
	LoadScores(ctx context.Context) (map[string]float64, error)
}

// RecordSource 提供关系库中的权威记录（mysql 模式）。
type RecordSource interface {
	LoadRecords(ctx context.Context, limit int) ([]doc.CanonicalRecord, error)
}

// NewLoader 构造指定模式的 Loader。
// raw_files 模式需要 scores（可为 nil，降级为 raw_only 语义并告警）；
// mysql 模式需要 records。
func NewLoader(ds doc.DataSource, scanner *Scanner, scores ScoreSource, records RecordSource, isOfficial func(platform string) bool) (Loader, error) {
	if isOfficial == nil {
		isOfficial = func(string) bool { return false }
	}
	switch ds {
	case doc.DataSourceRawFiles:
		return &rawFilesLoader{scanner: scanner, scores: scores, isOfficial: isOfficial}, nil
	case doc.DataSourceDB:
		if records == nil {
			return nil, fmt.Errorf("mysql data source requires a database connection")
		}
		return &dbLoader{records: records}, nil
	case doc.DataSourceRawOnly:
		return &rawOnlyLoader{scanner: scanner, isOfficial: isOfficial}, nil
	default:
		return nil, fmt.Errorf("unsupported data source %v", ds)
	}
}

// rawFilesLoader 扫描原始文件并用 PageRank 分数富化。
// 分数缺失时静默使用 0.0（best-effort），分数表整体不可读时仅告警。
type rawFilesLoader struct {
	scanner    *Scanner
	scores     ScoreSource
	isOfficial func(string) bool
}

func (l *rawFilesLoader) Source() doc.DataSource { return doc.DataSourceRawFiles }

func (l *rawFilesLoader) Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	res, err := l.scanner.ScanAll(ctx, limit)
	if err != nil {
		return nil, err
	}

	var scores map[string]float64
	if l.scores != nil {
		if scores, err = l.scores.LoadScores(ctx); err != nil {
			applog.Warn("[Source] PageRank scores unavailable, defaulting to 0.0", "error", err)
			scores = nil
		}
	}

	records := make([]doc.CanonicalRecord, 0, len(res.Documents))
	for _, raw := range res.Documents {
		records = append(records, doc.FromRaw(raw, scores[raw.OriginalURL], l.isOfficial(raw.Platform)))
	}
	return records, nil
}

// dbLoader 直接读取关系库（mysql 模式）。
type dbLoader struct {
	records RecordSource
}

func (l *dbLoader) Source() doc.DataSource { return doc.DataSourceDB }

func (l *dbLoader) Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	return l.records.LoadRecords(ctx, limit)
}

// rawOnlyLoader 只读原始文件，不做任何富化。
type rawOnlyLoader struct {
	scanner    *Scanner
	isOfficial func(string) bool
}

func (l *rawOnlyLoader) Source() doc.DataSource { return doc.DataSourceRawOnly }

func (l *rawOnlyLoader) Load(ctx context.Context, limit int) ([]doc.CanonicalRecord, error) {
	res, err := l.scanner.ScanAll(ctx, limit)
	if err != nil {
		return nil, err
	}
	records := make([]doc.CanonicalRecord, 0, len(res.Documents))
	for _, raw := range res.Documents {
		records = append(records, doc.FromRaw(raw, 0, l.isOfficial(raw.Platform)))
	}
	return records, nil
}
