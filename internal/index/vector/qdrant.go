package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	applog "indexforge/internal/platform/log"
)

// Point 向量集合中的一个点。
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// QdrantClient Qdrant HTTP 客户端（REST API）。
type QdrantClient struct {
	baseURL     string
	apiKey      string
	collection  string
	httpClient  *http.Client
	pingTimeout time.Duration
}

// QdrantConfig 客户端配置。
type QdrantConfig struct {
	URL         string
	APIKey      string
	Collection  string
	Timeout     time.Duration
	PingTimeout time.Duration
}

func NewQdrantClient(cfg QdrantConfig) *QdrantClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	return &QdrantClient{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		apiKey:      cfg.APIKey,
		collection:  cfg.Collection,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		pingTimeout: cfg.PingTimeout,
	}
}

// Ping 短超时连通性检查：后端不可用时快速失败，而不是拖死整次构建。
func (c *QdrantClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return fmt.Errorf("ping qdrant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant returned status %d", resp.StatusCode)
	}
	return nil
}

// CollectionExists 检查集合是否存在。
func (c *QdrantClient) CollectionExists(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// EnsureCollection 准备目标集合。
// recreate=true：删除重建（全量模式）；false：存在即复用（增量模式）。
// 距离固定为 cosine，维度由 embedding 配置决定。
func (c *QdrantClient) EnsureCollection(ctx context.Context, dims int, recreate bool) error {
	if dims <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dims)
	}

	if recreate {
		resp, err := c.do(ctx, http.MethodDelete, "/collections/"+c.collection, nil)
		if err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
		resp.Body.Close()
		applog.Info("[Qdrant] Collection dropped for rebuild", "collection", c.collection)
	} else {
		exists, err := c.CollectionExists(ctx)
		if err != nil {
			return fmt.Errorf("check collection: %w", err)
		}
		if exists {
			applog.Info("[Qdrant] Reusing existing collection", "collection", c.collection)
			return nil
		}
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": "Cosine",
		},
	}
	if err := c.doJSON(ctx, http.MethodPut, "/collections/"+c.collection, body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	applog.Info("[Qdrant] Collection created", "collection", c.collection, "dims", dims)
	return nil
}

// Upsert 批量写入点（按 id 幂等）。
func (c *QdrantClient) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": points}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// Count 返回集合中的点数（exact）。
func (c *QdrantClient) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", c.collection)
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"exact": true}, &out); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return out.Result.Count, nil
}

func (c *QdrantClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	resp, err := c.do(ctx, method, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant %s %s failed (%d): %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *QdrantClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	return c.httpClient.Do(req)
}
