package chunkcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// Splitter 分块计算方（cache miss 时调用）。
type Splitter interface {
	ChunkSize() int
	Overlap() int
	SplitAll(records []doc.CanonicalRecord) []doc.Chunk
}

// Manager 内容+参数指纹寻址的分块结果缓存（Redis）。
// lexical 与 vector 索引器共享，避免对同一语料重复分块。
// 写入方只有分块步骤本身，且 key 由内容决定：同 key 并发写入产生等价结果，幂等覆盖。
type Manager struct {
	rdb      *redis.Client
	splitter Splitter
	ttl      time.Duration
	prefix   string
	metaKey  string

	// 指纹采样上限：最多取前 sampleDocs 篇的前 sampleBytes 字节。
	// 有界成本换全量哈希，大语料下接受极小的碰撞风险。
	sampleDocs  int
	sampleBytes int

	// now 可注入，供 TTL 测试使用
	now func() time.Time
}

// Config Manager 配置。
type Config struct {
	TTL         time.Duration // 默认 30 天
	SampleDocs  int
	SampleBytes int
}

func NewManager(rdb *redis.Client, splitter Splitter, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.SampleDocs <= 0 {
		cfg.SampleDocs = 20
	}
	if cfg.SampleBytes <= 0 {
		cfg.SampleBytes = 256
	}
	return &Manager{
		rdb:         rdb,
		splitter:    splitter,
		ttl:         cfg.TTL,
		prefix:      "chunkcache:",
		metaKey:     "chunkcache:meta",
		sampleDocs:  cfg.SampleDocs,
		sampleBytes: cfg.SampleBytes,
		now:         time.Now,
	}
}

// entry 缓存条目：分块参数随结果一起存储，命中时校验。
type entry struct {
	ChunkSize    int         `json:"chunk_size"`
	ChunkOverlap int         `json:"chunk_overlap"`
	CreatedAt    time.Time   `json:"created_at"`
	Chunks       []doc.Chunk `json:"chunks"`
}

// entryMeta 元数据索引中的一条记录。
type entryMeta struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// GetOrCompute 返回整批文档的分块结果。
// 命中条件：key 存在、存储参数与当前配置完全一致、未过 TTL；
// 损坏的条目按 miss 处理并重算，从不把错误传给调用方。
func (m *Manager) GetOrCompute(ctx context.Context, records []doc.CanonicalRecord, forceRefresh bool) ([]doc.Chunk, bool, error) {
	key := m.Fingerprint(records)

	if !forceRefresh {
		if chunks, ok := m.lookup(ctx, key); ok {
			applog.Info("[ChunkCache] Hit", "key", key, "chunks", len(chunks))
			return chunks, true, nil
		}
	}

	chunks := m.splitter.SplitAll(records)
	m.store(ctx, key, chunks)
	applog.Info("[ChunkCache] Computed", "key", key, "documents", len(records), "chunks", len(chunks))
	return chunks, false, nil
}

func (m *Manager) lookup(ctx context.Context, key string) ([]doc.Chunk, bool) {
	data, err := m.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// 损坏条目 = miss
		applog.Warn("[ChunkCache] Corrupt entry treated as miss", "key", key, "error", err)
		return nil, false
	}
	if !m.entryValid(e) {
		applog.Info("[ChunkCache] Entry invalidated",
			"key", key,
			"cached_size", e.ChunkSize, "cached_overlap", e.ChunkOverlap,
			"created_at", e.CreatedAt,
		)
		return nil, false
	}
	return e.Chunks, true
}

// entryValid 命中条件：分块参数与当前配置一致且未过 TTL。
func (m *Manager) entryValid(e entry) bool {
	if e.ChunkSize != m.splitter.ChunkSize() || e.ChunkOverlap != m.splitter.Overlap() {
		return false
	}
	return m.now().Sub(e.CreatedAt) < m.ttl
}

func (m *Manager) store(ctx context.Context, key string, chunks []doc.Chunk) {
	e := entry{
		ChunkSize:    m.splitter.ChunkSize(),
		ChunkOverlap: m.splitter.Overlap(),
		CreatedAt:    m.now(),
		Chunks:       chunks,
	}
	data, err := json.Marshal(e)
	if err != nil {
		applog.Warn("[ChunkCache] Failed to marshal entry", "key", key, "error", err)
		return
	}
	if err := m.rdb.Set(ctx, key, data, m.ttl).Err(); err != nil {
		applog.Warn("[ChunkCache] Failed to store entry", "key", key, "error", err)
		return
	}

	meta, _ := json.Marshal(entryMeta{Key: key, Count: len(chunks), SizeBytes: len(data), CreatedAt: e.CreatedAt})
	if err := m.rdb.HSet(ctx, m.metaKey, key, meta).Err(); err != nil {
		applog.Warn("[ChunkCache] Failed to record metadata", "key", key, "error", err)
	}
}

// Fingerprint 计算缓存 key：hash(chunkSize, chunkOverlap, 文档数, 采样内容)。
func (m *Manager) Fingerprint(records []doc.CanonicalRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|", m.splitter.ChunkSize(), m.splitter.Overlap(), len(records))

	n := len(records)
	if n > m.sampleDocs {
		n = m.sampleDocs
	}
	for _, rec := range records[:n] {
		fmt.Fprintf(h, "%s|", rec.SourceID())
		content := rec.Content
		if len(content) > m.sampleBytes {
			content = content[:m.sampleBytes]
		}
		h.Write([]byte(content))
		h.Write([]byte{0})
	}
	return m.prefix + fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// CleanupExpired 清理元数据索引中已过 TTL 的条目。空缓存时安全 no-op。
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	fields, err := m.rdb.HGetAll(ctx, m.metaKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read cache metadata: %w", err)
	}

	removed := 0
	for key, raw := range fields {
		var meta entryMeta
		expired := json.Unmarshal([]byte(raw), &meta) != nil || m.now().Sub(meta.CreatedAt) >= m.ttl
		if !expired {
			continue
		}
		if err := m.rdb.Del(ctx, key).Err(); err != nil {
			applog.Warn("[ChunkCache] Failed to delete expired entry", "key", key, "error", err)
			continue
		}
		m.rdb.HDel(ctx, m.metaKey, key)
		removed++
	}
	if removed > 0 {
		applog.Info("[ChunkCache] Expired entries removed", "count", removed)
	}
	return removed, nil
}

// ClearAll 清空整个分块缓存。空缓存时安全 no-op。
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	iter := m.rdb.Scan(ctx, 0, m.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("delete cache keys: %w", err)
	}
	applog.Info("[ChunkCache] Cache cleared", "keys_deleted", len(keys))
	return len(keys), nil
}

// Stats 返回元数据索引中的条目统计。
func (m *Manager) Stats(ctx context.Context) (entries, chunks, bytes int, err error) {
	fields, err := m.rdb.HGetAll(ctx, m.metaKey).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read cache metadata: %w", err)
	}
	for _, raw := range fields {
		var meta entryMeta
		if json.Unmarshal([]byte(raw), &meta) != nil {
			continue
		}
		entries++
		chunks += meta.Count
		bytes += meta.SizeBytes
	}
	return entries, chunks, bytes, nil
}

// WithClock 注入时钟（测试用）。
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}
