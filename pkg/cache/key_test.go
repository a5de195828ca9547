package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "endpoint only",
			key: CacheKey{
				Endpoint: "/conversions/range/",
				Page:     1,
			},
			want: "convfetch:conversions/range:page=1",
		},
		{
			name: "params sorted",
			key: CacheKey{
				Endpoint: "/conversions/range",
				Params: url.Values{
					"start_date": []string{"2025-06-01"},
					"end_date":   []string{"2025-06-30"},
				},
				Limit: 100,
				Page:  3,
			},
			want: "convfetch:conversions/range:end_date=2025-06-30:start_date=2025-06-01:limit=100:page=3",
		},
		{
			name: "multi-valued param sorted",
			key: CacheKey{
				Endpoint: "/conversions/range",
				Params: url.Values{
					"filters[offer_id]": []string{"9", "3"},
				},
				Page: 2,
			},
			want: "convfetch:conversions/range:filters[offer_id]=3,9:page=2",
		},
		{
			name: "token cursor",
			key: CacheKey{
				Endpoint: "/conversions/range",
				Page:     5,
				Token:    "abc",
			},
			want: "convfetch:conversions/range:page=5:token=abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("CacheKey.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := CacheKey{
		Endpoint: "/conversions/range",
		Params:   url.Values{"a": []string{"1"}, "b": []string{"2"}, "c": []string{"3"}},
		Page:     1,
	}
	b := CacheKey{
		Endpoint: "/conversions/range",
		Params:   url.Values{"c": []string{"3"}, "a": []string{"1"}, "b": []string{"2"}},
		Page:     1,
	}

	for i := 0; i < 10; i++ {
		if a.String() != b.String() {
			t.Fatalf("keys differ: %q vs %q", a.String(), b.String())
		}
	}
}

func TestCacheKey_PageDistinguishes(t *testing.T) {
	base := CacheKey{Endpoint: "/conversions/range", Limit: 50}
	p1, p2 := base, base
	p1.Page = 1
	p2.Page = 2
	if p1.String() == p2.String() {
		t.Error("different pages produced the same key")
	}

	other := p1
	other.Limit = 100
	if other.String() == p1.String() {
		t.Error("different page sizes produced the same key")
	}
}
