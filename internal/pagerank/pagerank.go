package pagerank

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// GraphStore PageRank 引擎依赖的存储操作。
type GraphStore interface {
	LoadEdges(ctx context.Context) ([]doc.LinkEdge, error)
	ReplaceScores(ctx context.Context, scores []doc.PageRankScore) error
	ApplyScores(ctx context.Context) error
}

// Engine 从链接图计算 URL 权威度并回写存储。
// 计算全部成功后才触碰分数表；任何阶段出错都不产生部分写入。
type Engine struct {
	store     GraphStore
	damping   float64
	tolerance float64
	now       func() time.Time
}

func NewEngine(store GraphStore, damping, tolerance float64) *Engine {
	if damping <= 0 || damping >= 1 {
		damping = 0.85
	}
	if tolerance <= 0 {
		tolerance = 1e-6
	}
	return &Engine{store: store, damping: damping, tolerance: tolerance, now: time.Now}
}

// Compute 执行一轮完整计算：读边 -> 幂迭代 -> 整表替换 -> join-update 回填。
// 空图是合法的 no-op：告警并跳过下游步骤，返回 0。
func (e *Engine) Compute(ctx context.Context) (int, error) {
	edges, err := e.store.LoadEdges(ctx)
	if err != nil {
		return 0, fmt.Errorf("load link graph: %w", err)
	}
	if len(edges) == 0 {
		applog.Warn("[PageRank] Link graph is empty, skipping computation")
		return 0, nil
	}

	scores := Rank(edges, e.damping, e.tolerance, e.now())
	applog.Info("[PageRank] Computation finished", "urls", len(scores), "edges", len(edges), "damping", e.damping)

	if err := e.store.ReplaceScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("replace scores: %w", err)
	}
	if err := e.store.ApplyScores(ctx); err != nil {
		return 0, fmt.Errorf("apply scores: %w", err)
	}
	return len(scores), nil
}

// Rank 在内存中对链接图做 PageRank 幂迭代（teleport 概率 1-damping），
// 迭代到收敛（tol）。返回每个 URL 的分数与出入度，顺序为 URL 首次出现序。
func Rank(edges []doc.LinkEdge, damping, tolerance float64, calculatedAt time.Time) []doc.PageRankScore {
	ids := make(map[string]int64)
	urls := []string{}
	idOf := func(url string) int64 {
		if id, ok := ids[url]; ok {
			return id
		}
		id := int64(len(urls))
		ids[url] = id
		urls = append(urls, url)
		return id
	}

	g := simple.NewDirectedGraph()
	inDeg := make(map[int64]int)
	outDeg := make(map[int64]int)
	seen := make(map[[2]int64]struct{})

	for _, e := range edges {
		if e.SourceURL == "" || e.TargetURL == "" {
			continue
		}
		from, to := idOf(e.SourceURL), idOf(e.TargetURL)
		if g.Node(from) == nil {
			g.AddNode(simple.Node(from))
		}
		if g.Node(to) == nil {
			g.AddNode(simple.Node(to))
		}
		if from == to {
			// 自环不传播权威度，但端点保留分数行（teleport 份额）
			continue
		}
		key := [2]int64{from, to}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
		outDeg[from]++
		inDeg[to]++
	}

	if len(urls) == 0 {
		return nil
	}

	ranks := network.PageRank(g, damping, tolerance)

	scores := make([]doc.PageRankScore, 0, len(urls))
	for id, url := range urls {
		scores = append(scores, doc.PageRankScore{
			URL:          url,
			Score:        ranks[int64(id)],
			InDegree:     inDeg[int64(id)],
			OutDegree:    outDeg[int64(id)],
			CalculatedAt: calculatedAt,
		})
	}
	return scores
}
