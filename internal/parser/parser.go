package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "indexforge/internal/platform/log"
)

// Extractor 当原始文档 content 为空但携带 file_url 时，
// 下载附件并提取纯文本（PDF/DOCX）。
type Extractor struct {
	client  *http.Client
	maxSize int64
}

// NewExtractor 创建附件文本提取器。maxSizeMB <= 0 时默认 50MB。
func NewExtractor(timeout time.Duration, maxSizeMB int) *Extractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &Extractor{
		client:  &http.Client{Timeout: timeout},
		maxSize: int64(maxSizeMB) << 20,
	}
}

// ExtractURL 下载 fileURL 指向的文档并返回纯文本。
// 不支持的扩展名返回错误，由调用方决定是否跳过。
func (e *Extractor) ExtractURL(ctx context.Context, fileURL string) (string, error) {
	ext, err := fileExt(fileURL)
	if err != nil {
		return "", err
	}
	switch ext {
	case ".pdf", ".docx":
	default:
		return "", fmt.Errorf("unsupported document type %q", ext)
	}

	data, err := e.download(ctx, fileURL)
	if err != nil {
		return "", err
	}

	switch ext {
	case ".pdf":
		return extractPDF(data)
	default:
		return extractDOCX(data)
	}
}

func (e *Extractor) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > e.maxSize {
		return nil, fmt.Errorf("document exceeds size limit (%d bytes)", e.maxSize)
	}
	return data, nil
}

// extractPDF 逐页提取 PDF 文本，坏页跳过不中断。
func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[Parser] Failed to extract PDF page", "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// extractDOCX 提取 Word 文档文本。
func extractDOCX(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// docx 返回 XML，按行扫描拼接纯文本
	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(r.Editable().GetContent()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func fileExt(fileURL string) (string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse file_url: %w", err)
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return "", fmt.Errorf("file_url %q has no extension", fileURL)
	}
	return ext, nil
}
