package pipeline

import (
	"strings"
	"unicode/utf8"

	"indexforge/internal/domain/doc"
)

// Splitter 句子感知的文本分块器。
// 按换行分段、按中英文句末标点分句，再合并为不超过 chunkSize 的块，块间带 overlap。
// 同一输入与参数下输出逐 token 确定，chunk 缓存依赖这一点。
type Splitter struct {
	chunkSize int // 每块最大字符数（rune）
	overlap   int // 块间重叠字符数
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{chunkSize: chunkSize, overlap: overlap}
}

func (s *Splitter) ChunkSize() int { return s.chunkSize }
func (s *Splitter) Overlap() int   { return s.overlap }

// Split 把一条权威记录切分为有序 Chunk，父文档元数据附着在每个块上。
func (s *Splitter) Split(rec doc.CanonicalRecord) []doc.Chunk {
	pieces := s.mergeSentences(splitSentences(rec.Content))
	chunks := make([]doc.Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, doc.Chunk{
			SourceID: rec.SourceID(),
			Text:     text,
			Meta: doc.ChunkMeta{
				Title:         rec.Title,
				Author:        rec.Author,
				URL:           rec.OriginalURL,
				PublishTime:   rec.PublishTime,
				Platform:      rec.Platform,
				PageRankScore: rec.PageRankScore,
				ChunkIndex:    i,
			},
		})
	}
	return chunks
}

// SplitAll 按记录顺序切分整批文档。
func (s *Splitter) SplitAll(records []doc.CanonicalRecord) []doc.Chunk {
	var chunks []doc.Chunk
	for _, rec := range records {
		chunks = append(chunks, s.Split(rec)...)
	}
	return chunks
}

// sentenceEnders 中英文句末标点。
var sentenceEnders = map[rune]bool{
	'。': true, '！': true, '？': true, '；': true,
	'.': true, '!': true, '?': true, ';': true,
	'\n': true,
}

// splitSentences 把文本切为句子（保留句末标点，丢弃空白句）。
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var (
		sentences []string
		sb        strings.Builder
	)
	for _, r := range text {
		sb.WriteRune(r)
		if sentenceEnders[r] {
			if s := strings.TrimSpace(sb.String()); s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// mergeSentences 将句子合并为不超过 chunkSize 的块，带 overlap。
// 单句超长时按 rune 硬切分。
func (s *Splitter) mergeSentences(sentences []string) []string {
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		pending bool // flush 之后 current 里只剩 overlap 尾巴时为 false
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		prev := current.String()
		chunks = append(chunks, prev)
		current.Reset()
		pending = false
		if s.overlap > 0 {
			prevRunes := []rune(prev)
			if len(prevRunes) > s.overlap {
				current.WriteString(string(prevRunes[len(prevRunes)-s.overlap:]))
			}
		}
	}

	for _, sentence := range sentences {
		senLen := utf8.RuneCountInString(sentence)

		if senLen > s.chunkSize {
			flush()
			current.Reset()
			runes := []rune(sentence)
			step := s.chunkSize - s.overlap
			for i := 0; i < len(runes); i += step {
				end := i + s.chunkSize
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[i:end]))
				if end >= len(runes) {
					break
				}
			}
			continue
		}

		if utf8.RuneCountInString(current.String())+senLen > s.chunkSize {
			flush()
			// overlap 尾巴加上本句仍超限时丢弃尾巴，上限不因 overlap 被突破
			if utf8.RuneCountInString(current.String())+senLen > s.chunkSize {
				current.Reset()
			}
		}
		current.WriteString(sentence)
		pending = true
	}

	if pending && strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, current.String())
	}
	return chunks
}
