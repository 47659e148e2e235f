package doc

import "fmt"

// DataSource 索引器的数据来源模式。封闭枚举，
// 各索引器通过统一的 Loader 实现消费，不再散布字符串比较。
type DataSource int

const (
	// DataSourceRawFiles 扫描原始 JSON 文件树并用 PageRank 分数富化（默认，一致性最好）。
	DataSourceRawFiles DataSource = iota
	// DataSourceDB 直接读取关系库中的权威记录。
	DataSourceDB
	// DataSourceRawOnly 只读原始文件，不做 PageRank 富化（最快，一致性最弱）。
	DataSourceRawOnly
)

// ParseDataSource 解析 CLI 层的模式字符串。
func ParseDataSource(s string) (DataSource, error) {
	switch s {
	case "raw_files", "":
		return DataSourceRawFiles, nil
	case "mysql", "db":
		return DataSourceDB, nil
	case "raw_only":
		return DataSourceRawOnly, nil
	default:
		return 0, fmt.Errorf("unknown data source %q (want raw_files|mysql|raw_only)", s)
	}
}

func (d DataSource) String() string {
	switch d {
	case DataSourceDB:
		return "mysql"
	case DataSourceRawOnly:
		return "raw_only"
	default:
		return "raw_files"
	}
}
