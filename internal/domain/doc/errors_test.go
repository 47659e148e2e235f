package doc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "wrapped classified error", err: fmt.Errorf("outer: %w", NewError(KindSourceRead, "source.read", errors.New("boom"))), want: KindSourceRead},
		{name: "pq serialization failure", err: &pq.Error{Code: "40001"}, want: KindTransient},
		{name: "pq deadlock", err: &pq.Error{Code: "40P01"}, want: KindTransient},
		{name: "pq cannot connect now", err: &pq.Error{Code: "57P03"}, want: KindTransient},
		{name: "pq auth failure", err: &pq.Error{Code: "28P01"}, want: KindPermanent},
		{name: "pq missing table", err: &pq.Error{Code: "42P01"}, want: KindPermanent},
		{name: "pq missing column", err: &pq.Error{Code: "42703"}, want: KindPermanent},
		{name: "wrapped pq error", err: fmt.Errorf("upsert: %w", &pq.Error{Code: "40001"}), want: KindTransient},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: KindTransient},
		{name: "plain error defaults to permanent", err: errors.New("boom"), want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil error must not be transient")
	}
	if !IsTransient(&pq.Error{Code: "40001"}) {
		t.Fatal("serialization failure should be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatal("plain error should not be transient")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewError(KindTransient, "op", inner)
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to see the wrapped cause")
	}

	var de *Error
	if !errors.As(fmt.Errorf("ctx: %w", err), &de) {
		t.Fatal("expected errors.As to find *Error through wrapping")
	}
	if de.Kind != KindTransient {
		t.Fatalf("kind = %v", de.Kind)
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindConfig:       "config",
		KindSourceRead:   "source_read",
		KindTransient:    "transient",
		KindPermanent:    "permanent",
		KindCacheCorrupt: "cache_corrupt",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
