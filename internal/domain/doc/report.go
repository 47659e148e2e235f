package doc

import "fmt"

// Backend 可构建的索引后端。
type Backend string

const (
	BackendMySQL         Backend = "mysql"
	BackendBM25          Backend = "bm25"
	BackendQdrant        Backend = "qdrant"
	BackendElasticsearch Backend = "elasticsearch"
)

// AllBackends 全量构建时的默认顺序：先关系库（供其它模式读取），再三个派生索引。
func AllBackends() []Backend {
	return []Backend{BackendMySQL, BackendBM25, BackendQdrant, BackendElasticsearch}
}

// ParseBackend 解析 --only 的取值。
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendMySQL, BackendBM25, BackendQdrant, BackendElasticsearch:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown backend %q (want mysql|bm25|qdrant|elasticsearch)", s)
}

// BackendReport 单个后端一次构建的结果。失败彼此隔离，
// 汇总报告永远列出每个被尝试的后端。
type BackendReport struct {
	Backend Backend `json:"backend"`
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Total   int     `json:"total,omitempty"`
	Failed  int     `json:"failed,omitempty"`
}

// BuildReport 一次编排运行的复合结果。
type BuildReport struct {
	Backends []BackendReport `json:"backends"`
}

// AllSucceeded 是否所有后端都成功。仅用于日志汇总；
// 部分成功是正常的、可报告的结果，不导致进程非零退出。
func (r BuildReport) AllSucceeded() bool {
	for _, b := range r.Backends {
		if !b.Success {
			return false
		}
	}
	return true
}
