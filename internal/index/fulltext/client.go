package fulltext

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// Document 全文索引中的一条文档。
type Document struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Author        string    `json:"author,omitempty"`
	PublishTime   time.Time `json:"publish_time"`
	Platform      string    `json:"platform"`
	PageRankScore float64   `json:"pagerank_score"`
	IsOfficial    bool      `json:"is_official"`
}

// FromRecord 权威记录 -> 全文文档。
func FromRecord(rec doc.CanonicalRecord) Document {
	return Document{
		URL:           rec.OriginalURL,
		Title:         rec.Title,
		Content:       rec.Content,
		Author:        rec.Author,
		PublishTime:   rec.PublishTime,
		Platform:      rec.Platform,
		PageRankScore: rec.PageRankScore,
		IsOfficial:    rec.IsOfficial,
	}
}

// Client OpenSearch/Elasticsearch 兼容引擎的 HTTP 客户端。
type Client struct {
	baseURL     string
	username    string
	password    string
	indexName   string
	httpClient  *http.Client
	pingTimeout time.Duration
	maxRetries  int
}

// ClientConfig 连接配置。
type ClientConfig struct {
	URL         string
	Username    string
	Password    string
	Index       string
	Timeout     time.Duration
	PingTimeout time.Duration
	MaxRetries  int
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // 内网自签证书
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		indexName:   cfg.Index,
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		pingTimeout: cfg.PingTimeout,
		maxRetries:  cfg.MaxRetries,
	}
}

// Ping 短超时连通性检查。
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping search engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search engine returned status %d", resp.StatusCode)
	}
	return nil
}

// EnsureIndex 准备目标索引。recreate=true 时先删除旧索引。
// title/content 用 ik_max_word 做索引期分析（召回），ik_smart 做查询期分析（精度）。
func (c *Client) EnsureIndex(ctx context.Context, recreate bool) error {
	if recreate {
		resp, err := c.doRequest(ctx, http.MethodDelete, "/"+c.indexName, nil)
		if err != nil {
			return fmt.Errorf("drop index: %w", err)
		}
		resp.Body.Close()
	} else {
		resp, err := c.doRequest(ctx, http.MethodHead, "/"+c.indexName, nil)
		if err != nil {
			return fmt.Errorf("check index existence: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			applog.Info("[FullText] Index already exists", "index", c.indexName)
			return nil
		}
	}

	mapping := map[string]any{
		"settings": map[string]any{
			"analysis": map[string]any{
				"analyzer": map[string]any{
					"ik_index": map[string]any{
						"type":      "custom",
						"tokenizer": "ik_max_word",
					},
					"ik_search": map[string]any{
						"type":      "custom",
						"tokenizer": "ik_smart",
					},
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"url": map[string]string{"type": "keyword"},
				"title": map[string]string{
					"type":            "text",
					"analyzer":        "ik_index",
					"search_analyzer": "ik_search",
				},
				"content": map[string]string{
					"type":            "text",
					"analyzer":        "ik_index",
					"search_analyzer": "ik_search",
				},
				"author": map[string]string{"type": "keyword"},
				"publish_time": map[string]string{
					"type":   "date",
					"format": "strict_date_optional_time||yyyy-MM-dd HH:mm:ss||yyyy-MM-dd||epoch_millis",
				},
				"platform":       map[string]string{"type": "keyword"},
				"pagerank_score": map[string]string{"type": "float"},
				"is_official":    map[string]string{"type": "boolean"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err := c.doRequest(ctx, http.MethodPut, "/"+c.indexName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}
	applog.Info("[FullText] Index created", "index", c.indexName)
	return nil
}

// Bulk 批量写入文档，_id 取 URL 保证幂等。
// 返回 (成功数, 单条失败数)。单条失败只计数；整请求失败按瞬态重试有限次。
func (c *Client) Bulk(ctx context.Context, docs []Document) (int, int, error) {
	if len(docs) == 0 {
		return 0, 0, nil
	}

	var buf bytes.Buffer
	for _, d := range docs {
		action := map[string]any{
			"index": map[string]any{
				"_index": c.indexName,
				"_id":    d.URL,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')
		docLine, _ := json.Marshal(d)
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	respBody, err := c.bulkWithRetry(ctx, buf.Bytes())
	if err != nil {
		return 0, len(docs), err
	}

	// 解析逐条结果：raise_on_error=false 语义，错误计数但不中断流
	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  any `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(respBody, &bulkResp); err != nil {
		return 0, len(docs), fmt.Errorf("parse bulk response: %w", err)
	}

	indexed, failed := 0, 0
	for _, item := range bulkResp.Items {
		for _, result := range item {
			if result.Status >= 200 && result.Status < 300 {
				indexed++
			} else {
				failed++
			}
		}
	}
	if failed > 0 {
		applog.Warn("[FullText] Bulk completed with item errors", "indexed", indexed, "failed", failed)
	}
	return indexed, failed, nil
}

// bulkWithRetry 对瞬态失败（网络错误、5xx、429）做退避重试。
func (c *Client) bulkWithRetry(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			applog.Warn("[FullText] Retrying bulk request", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if backoff < 8*time.Second {
				backoff *= 2
			}
		}

		resp, err := c.doRequest(ctx, http.MethodPost, "/_bulk", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return respBody, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("bulk request failed (%d): %s", resp.StatusCode, string(respBody))
		default:
			// 4xx（429 除外）是永久错误，重试无意义
			return nil, doc.NewError(doc.KindPermanent, "fulltext.bulk",
				fmt.Errorf("bulk request rejected (%d): %s", resp.StatusCode, string(respBody)))
		}
	}
	return nil, doc.NewError(doc.KindTransient, "fulltext.bulk", lastErr)
}

// Count 返回索引中的文档数。
func (c *Client) Count(ctx context.Context) (int, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/"+c.indexName+"/_count", nil)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("parse count response: %w", err)
	}
	return out.Count, nil
}

// Sample 返回最多 n 条文档标题，用于冒烟检查。
func (c *Client) Sample(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	query := map[string]any{
		"size":    n,
		"_source": []string{"title", "url"},
		"query":   map[string]any{"match_all": map[string]any{}},
	}
	body, _ := json.Marshal(query)

	resp, err := c.doRequest(ctx, http.MethodPost, "/"+c.indexName+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sample search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sample search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				Source struct {
					Title string `json:"title"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse sample response: %w", err)
	}

	titles := make([]string, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		titles = append(titles, hit.Source.Title)
	}
	return titles, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}
