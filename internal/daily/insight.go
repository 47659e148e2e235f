package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"indexforge/internal/domain/doc"
	applog "indexforge/internal/platform/log"
)

// 洞察分类。official/marketplace 按平台白名单划分，余下归 community。
const (
	CategoryOfficial    = "official"
	CategoryCommunity   = "community"
	CategoryMarketplace = "marketplace"
)

// TextGenerator 文本生成接口：prompt 进、摘要出。
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// InsightBuilder 从一批当日文档生成分类洞察。
type InsightBuilder struct {
	gen                TextGenerator
	maxPromptChars     int
	officialSources    map[string]bool
	marketplaceSources map[string]bool
}

// InsightConfig 洞察生成配置。
type InsightConfig struct {
	MaxPromptChars     int
	OfficialSources    []string
	MarketplaceSources []string
}

func NewInsightBuilder(gen TextGenerator, cfg InsightConfig) *InsightBuilder {
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = 6000
	}
	return &InsightBuilder{
		gen:                gen,
		maxPromptChars:     cfg.MaxPromptChars,
		officialSources:    toSet(cfg.OfficialSources),
		marketplaceSources: toSet(cfg.MarketplaceSources),
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(strings.ToLower(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

// Categorize 按平台白名单把文档分到三类。
func (b *InsightBuilder) Categorize(docs []doc.RawDocument) map[string][]doc.RawDocument {
	groups := map[string][]doc.RawDocument{}
	for _, d := range docs {
		platform := strings.ToLower(d.Platform)
		switch {
		case b.officialSources[platform]:
			groups[CategoryOfficial] = append(groups[CategoryOfficial], d)
		case b.marketplaceSources[platform]:
			groups[CategoryMarketplace] = append(groups[CategoryMarketplace], d)
		default:
			groups[CategoryCommunity] = append(groups[CategoryCommunity], d)
		}
	}
	return groups
}

// BuildOne 为单个分类生成洞察文本。空分类返回空串，不调用生成器。
func (b *InsightBuilder) BuildOne(ctx context.Context, category string, docs []doc.RawDocument) (string, error) {
	if len(docs) == 0 {
		return "", nil
	}
	prompt := b.buildPrompt(category, docs)
	text, err := b.gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate %s insight: %w", category, err)
	}
	return strings.TrimSpace(text), nil
}

// buildPrompt 按字符预算组装提示词。
// 预算不足时截断文档清单（最新的优先保留），模板本身永不截断。
func (b *InsightBuilder) buildPrompt(category string, docs []doc.RawDocument) string {
	sorted := make([]doc.RawDocument, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublishTime.After(sorted[j].PublishTime)
	})

	header := fmt.Sprintf(
		"你是内容情报分析师。以下是 %s 渠道今日的 %d 篇新文档，请用中文输出 3-5 条要点摘要，聚焦新功能、重要公告与社区热点。\n\n文档清单：\n",
		category, len(sorted),
	)
	footer := "\n请直接输出要点，不要复述清单。"

	var list strings.Builder
	budget := b.maxPromptChars - len([]rune(header)) - len([]rune(footer))
	for i, d := range sorted {
		line := fmt.Sprintf("%d. [%s] %s\n", i+1, d.Platform, summarizeDoc(d))
		if budget-len([]rune(line)) < 0 {
			applog.Debug("[Insight] Prompt budget exhausted", "category", category, "included", i, "total", len(sorted))
			break
		}
		budget -= len([]rune(line))
		list.WriteString(line)
	}
	return header + list.String() + footer
}

func summarizeDoc(d doc.RawDocument) string {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = "(无标题)"
	}
	excerpt := strings.TrimSpace(d.Content)
	excerptRunes := []rune(excerpt)
	if len(excerptRunes) > 120 {
		excerpt = string(excerptRunes[:120]) + "…"
	}
	if excerpt == "" {
		return title
	}
	return title + " — " + excerpt
}

// OpenAIGenerator 调用 OpenAI 兼容 /v1/chat/completions API。
type OpenAIGenerator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// OpenAIGeneratorConfig 配置。
type OpenAIGeneratorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func NewOpenAIGenerator(cfg OpenAIGeneratorConfig) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIGenerator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
