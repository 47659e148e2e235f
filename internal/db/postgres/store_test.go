package postgres

import (
	"reflect"
	"testing"
)

func TestTableFor(t *testing.T) {
	tests := []struct {
		platform string
		table    string
		ok       bool
	}{
		{platform: "website", table: "website_articles", ok: true},
		{platform: "wechat", table: "wechat_articles", ok: true},
		{platform: "marketplace", table: "marketplace_posts", ok: true},
		{platform: "unknown", ok: false},
		{platform: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			table, err := TableFor(tt.platform)
			if tt.ok != (err == nil) {
				t.Fatalf("err = %v", err)
			}
			if tt.ok && table != tt.table {
				t.Fatalf("table = %q, want %q", table, tt.table)
			}
		})
	}
}

func TestSortedTablesDeterministic(t *testing.T) {
	first := sortedTables()
	second := sortedTables()
	if !reflect.DeepEqual(first, second) {
		t.Fatal("table order must be deterministic")
	}
	if len(first) != len(platformTables) {
		t.Fatalf("expected %d tables, got %d", len(platformTables), len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i-1] >= first[i] {
			t.Fatalf("tables not sorted: %v", first)
		}
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()
	if cfg.BatchSize != 10 || cfg.MaxParallel != 4 || cfg.MaxRetries != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.TitleMaxBytes != 512 || cfg.ContentMaxBytes != 64*1024 {
		t.Fatalf("byte caps not applied: %+v", cfg)
	}

	cfg = Config{BatchSize: 50, MaxParallel: 8}
	cfg.normalize()
	if cfg.BatchSize != 50 || cfg.MaxParallel != 8 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}
