package lexical

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// Tokenizer 语言感知分词器：
// 拉丁词做小写化 + snowball 词干化，CJK 连续段做二元切分（bigram），
// 两侧各自过停用词。混合中英文语料下无需外部分词服务。
type Tokenizer struct {
	stopWords map[string]bool
	minLen    int
	maxLen    int
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		stopWords: defaultStopWords(),
		minLen:    2,
		maxLen:    50,
	}
}

// Tokenize 切分并归一化文本。停用词、超短/超长 token 被丢弃。
func (t *Tokenizer) Tokenize(text string) []string {
	var (
		tokens []string
		latin  strings.Builder
		cjk    []rune
	)

	flushLatin := func() {
		if latin.Len() == 0 {
			return
		}
		word := strings.ToLower(latin.String())
		latin.Reset()
		if t.stopWords[word] || len(word) < t.minLen || len(word) > t.maxLen {
			return
		}
		if stemmed, err := snowball.Stem(word, "english", true); err == nil && stemmed != "" {
			word = stemmed
		}
		tokens = append(tokens, word)
	}
	flushCJK := func() {
		if len(cjk) == 0 {
			return
		}
		if len(cjk) == 1 {
			w := string(cjk[0])
			if !t.stopWords[w] {
				tokens = append(tokens, w)
			}
		} else {
			for i := 0; i+1 < len(cjk); i++ {
				w := string(cjk[i : i+2])
				if !t.stopWords[w] && !t.stopWords[string(cjk[i])] {
					tokens = append(tokens, w)
				}
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			latin.WriteRune(r)
		default:
			flushLatin()
			flushCJK()
		}
	}
	flushLatin()
	flushCJK()

	return tokens
}

// defaultStopWords 内置中英文停用词表。
func defaultStopWords() map[string]bool {
	words := []string{
		// 英文
		"a", "an", "and", "are", "as", "at", "be", "but", "by", "for",
		"if", "in", "into", "is", "it", "its", "no", "not", "of", "on",
		"or", "such", "that", "the", "their", "then", "there", "these",
		"they", "this", "to", "was", "will", "with", "we", "you", "your",
		"from", "have", "has", "had", "what", "when", "where", "which",
		"who", "how", "all", "can", "do", "does",
		// 中文（单字虚词：作为 bigram 成分时同样过滤）
		"的", "了", "和", "是", "在", "我", "有", "他", "这", "为",
		"之", "来", "以", "个", "到", "说", "们", "就", "去", "也",
		"而", "要", "于", "吗", "吧", "呢", "啊", "与", "及", "或",
		// 中文双字虚词
		"我们", "你们", "他们", "这个", "那个", "什么", "怎么", "可以",
		"没有", "不是", "就是", "但是", "因为", "所以", "如果", "还是",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
