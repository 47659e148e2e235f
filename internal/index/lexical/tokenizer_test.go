package lexical

import (
	"reflect"
	"testing"
)

func TestTokenizeLatin(t *testing.T) {
	tok := NewTokenizer()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "lowercase and stem", in: "Running Quickly", want: []string{"run", "quick"}},
		{name: "stop words dropped", in: "the cat and the dog", want: []string{"cat", "dog"}},
		{name: "single letters dropped", in: "a b c word", want: []string{"word"}},
		{name: "digits kept", in: "version 42", want: []string{"version", "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tok.Tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTokenizeCJKBigrams(t *testing.T) {
	tok := NewTokenizer()

	got := tok.Tokenize("机器学习")
	want := []string{"机器", "器学", "学习"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}

func TestTokenizeCJKStopWords(t *testing.T) {
	tok := NewTokenizer()

	// “的” 是单字停用词：以它开头的 bigram 一并过滤
	got := tok.Tokenize("模型的参数")
	for _, w := range got {
		if w == "的参" {
			t.Fatalf("bigram starting with a stop word leaked: %v", got)
		}
	}
	found := false
	for _, w := range got {
		if w == "参数" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected token 参数 in %v", got)
	}
}

func TestTokenizeMixedText(t *testing.T) {
	tok := NewTokenizer()

	got := tok.Tokenize("使用 Golang 构建索引")
	wantContains := map[string]bool{"golang": false, "使用": false, "构建": false, "索引": false}
	for _, w := range got {
		if _, ok := wantContains[w]; ok {
			wantContains[w] = true
		}
	}
	for w, seen := range wantContains {
		if !seen {
			t.Errorf("expected token %q in %v", w, got)
		}
	}
}

func TestTokenizeEmpty(t *testing.T) {
	tok := NewTokenizer()
	if got := tok.Tokenize(""); len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
	if got := tok.Tokenize("   ...   "); len(got) != 0 {
		t.Fatalf("expected no tokens for punctuation, got %v", got)
	}
}
