package search

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "latin words lowered, stopwords dropped",
			query: "The Database and the Optimization",
			want:  []string{"database", "optimization"},
		},
		{
			name:  "single letters dropped",
			query: "a b database",
			want:  []string{"database"},
		},
		{
			name:  "duplicates removed",
			query: "cache cache cache",
			want:  []string{"cache"},
		},
		{
			name:  "cjk bigrams",
			query: "資料庫",
			want:  []string{"資料", "料庫"},
		},
		{
			name:  "mixed scripts split cleanly",
			query: "搜尋 cache",
			want:  []string{"搜尋", "cache"},
		},
		{
			name:  "cjk stopwords excluded from bigrams",
			query: "我的資料",
			want:  []string{"資料"},
		},
		{
			name:  "fullwidth normalized",
			query: "ｄａｔａｂａｓｅ",
			want:  []string{"database"},
		},
		{
			name:  "empty",
			query: "   ",
			want:  nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tokenize(tc.query)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}
