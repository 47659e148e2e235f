package doc

import "unicode/utf8"

// TruncateBytes 将字符串截断到不超过 max 字节，保证不切断 UTF-8 序列。
// 用于写库前对 title/content 做后端字段上限保护。
func TruncateBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// 回退到最近的 rune 边界
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
