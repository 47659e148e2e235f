package lexical

import "math"

// BM25 Okapi BM25 排序模型。Fit 一次建好语料统计量，之后只读。
type BM25 struct {
	K1 float64 `json:"k1"`
	B  float64 `json:"b"`

	DocCount  int                `json:"doc_count"`
	AvgDocLen float64            `json:"avg_doc_len"`
	DocLens   []int              `json:"doc_lens"`
	IDF       map[string]float64 `json:"idf"`

	// 每篇文档的词频表，与 DocLens 同序。
	TermFreqs []map[string]int `json:"term_freqs"`
}

func NewBM25(k1, b float64) *BM25 {
	if k1 <= 0 {
		k1 = 1.5
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	return &BM25{K1: k1, B: b}
}

// Fit 从分词后的语料建立统计量。
func (m *BM25) Fit(corpus [][]string) {
	m.DocCount = len(corpus)
	m.DocLens = make([]int, len(corpus))
	m.TermFreqs = make([]map[string]int, len(corpus))

	df := make(map[string]int)
	totalLen := 0
	for i, tokens := range corpus {
		m.DocLens[i] = len(tokens)
		totalLen += len(tokens)

		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		m.TermFreqs[i] = tf
		for tok := range tf {
			df[tok]++
		}
	}
	if m.DocCount > 0 {
		m.AvgDocLen = float64(totalLen) / float64(m.DocCount)
	}

	// BM25+ 风格的平滑 IDF，避免高频词出现负权重
	m.IDF = make(map[string]float64, len(df))
	n := float64(m.DocCount)
	for tok, d := range df {
		m.IDF[tok] = math.Log(1 + (n-float64(d)+0.5)/(float64(d)+0.5))
	}
}

// Scores 返回 query 对每篇文档的 BM25 得分，与语料同序。
func (m *BM25) Scores(query []string) []float64 {
	scores := make([]float64, m.DocCount)
	if m.AvgDocLen == 0 {
		return scores
	}
	for _, tok := range query {
		idf, ok := m.IDF[tok]
		if !ok {
			continue
		}
		for i, tf := range m.TermFreqs {
			f := float64(tf[tok])
			if f == 0 {
				continue
			}
			norm := m.K1 * (1 - m.B + m.B*float64(m.DocLens[i])/m.AvgDocLen)
			scores[i] += idf * f * (m.K1 + 1) / (f + norm)
		}
	}
	return scores
}
