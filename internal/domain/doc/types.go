package doc

import (
	"fmt"
	"strings"
	"time"
)

// RawDocument 爬虫产出的单条原始数据（只读输入）。
// 对应磁盘布局 root/{platform}/{tag}/{YYYYMM}/{itemDir}/{item}.json。
type RawDocument struct {
	ID          string    `json:"id,omitempty"`
	OriginalURL string    `json:"original_url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Author      string    `json:"author,omitempty"`
	PublishTime time.Time `json:"publish_time"`
	ScrapeTime  time.Time `json:"scrape_time,omitempty"`
	Platform    string    `json:"platform"`
	Tag         string    `json:"tag,omitempty"`
	FileURL     string    `json:"file_url,omitempty"`
	LinkTargets []string  `json:"link_targets,omitempty"`

	// Path 来源文件路径，仅用于日志与失败定位，不入库。
	Path string `json:"-"`
}

// CanonicalRecord 关系库中一条去重后的权威记录，
// 也是 lexical/vector/full-text 三个索引器的统一输入单元。
type CanonicalRecord struct {
	ID            int64     `json:"id,omitempty"`
	OriginalURL   string    `json:"original_url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Author        string    `json:"author,omitempty"`
	PublishTime   time.Time `json:"publish_time"`
	ScrapeTime    time.Time `json:"scrape_time,omitempty"`
	Platform      string    `json:"platform"`
	PageRankScore float64   `json:"pagerank_score"`
	IsOfficial    bool      `json:"is_official"`
}

// SourceID 返回记录的稳定标识：三个索引后端共享同一个逻辑 ID。
func (r CanonicalRecord) SourceID() string {
	return r.OriginalURL
}

// LinkEdge 链接图中的一条有向边，由爬虫写入、PageRank 消费。
type LinkEdge struct {
	SourceURL string `json:"source_url"`
	TargetURL string `json:"target_url"`
	LinkType  string `json:"link_type,omitempty"`
}

// PageRankScore 一次 PageRank 计算对单个 URL 的产出。
// 每次计算整表替换，不做部分更新。
type PageRankScore struct {
	URL          string    `json:"url"`
	Score        float64   `json:"pagerank_score"`
	InDegree     int       `json:"in_degree"`
	OutDegree    int       `json:"out_degree"`
	CalculatedAt time.Time `json:"calculation_date"`
}

// ChunkMeta Chunk 携带的父文档元数据。
type ChunkMeta struct {
	Title         string    `json:"title"`
	Author        string    `json:"author,omitempty"`
	URL           string    `json:"url"`
	PublishTime   time.Time `json:"publish_time"`
	Platform      string    `json:"platform"`
	PageRankScore float64   `json:"pagerank_score"`
	ChunkIndex    int       `json:"chunk_index"`
}

// Chunk 一段定长切分后的文本（TextNode），lexical/vector 索引的原子单元。
// 创建后不可变；分块参数变化时整体重建而非修改。
type Chunk struct {
	SourceID string    `json:"source_id"`
	Text     string    `json:"text"`
	Meta     ChunkMeta `json:"metadata"`
}

// ChunkID 返回 chunk 的稳定标识（父文档 ID + 序号）。
func (c Chunk) ChunkID() string {
	return fmt.Sprintf("%s#%d", c.SourceID, c.Meta.ChunkIndex)
}

// FromRaw 将原始文档转换为权威记录视图。score 为 PageRank 富化值（缺省 0）。
func FromRaw(raw RawDocument, score float64, official bool) CanonicalRecord {
	return CanonicalRecord{
		OriginalURL:   strings.TrimSpace(raw.OriginalURL),
		Title:         raw.Title,
		Content:       raw.Content,
		Author:        raw.Author,
		PublishTime:   raw.PublishTime,
		ScrapeTime:    raw.ScrapeTime,
		Platform:      raw.Platform,
		PageRankScore: score,
		IsOfficial:    official,
	}
}
