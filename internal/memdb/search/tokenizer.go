package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stopwords covers the high-frequency English and Chinese terms that
// carry no retrieval signal.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "about": {}, "as": {},
	"it": {}, "this": {}, "that": {}, "these": {}, "those": {}, "i": {},
	"you": {}, "he": {}, "she": {}, "we": {}, "they": {}, "what": {}, "which": {},
	"who": {}, "when": {}, "where": {}, "how": {}, "not": {}, "no": {}, "do": {},
	"does": {}, "did": {}, "can": {}, "could": {}, "will": {}, "would": {},
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "我": {}, "有": {},
	"他": {}, "這": {}, "个": {}, "們": {}, "中": {}, "来": {}, "上": {},
	"大": {}, "为": {}, "嗎": {}, "吧": {}, "呢": {}, "啊": {},
}

// Tokenize splits a query into search keywords: NFKC-normalized,
// lowercased latin words plus CJK bigrams, with stop words removed.
func Tokenize(query string) []string {
	text := strings.ToLower(norm.NFKC.String(query))

	var (
		tokens []string
		word   strings.Builder
		cjk    []rune
	)
	flushWord := func() {
		if word.Len() >= 2 {
			if _, stop := stopwords[word.String()]; !stop {
				tokens = append(tokens, word.String())
			}
		}
		word.Reset()
	}
	flushCJK := func() {
		switch len(cjk) {
		case 0:
		case 1:
			if _, stop := stopwords[string(cjk)]; !stop {
				tokens = append(tokens, string(cjk))
			}
		default:
			for i := 0; i+1 < len(cjk); i++ {
				bi := string(cjk[i : i+2])
				if _, stop := stopwords[bi]; !stop {
					tokens = append(tokens, bi)
				}
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			if _, stop := stopwords[string(r)]; stop {
				flushCJK()
				continue
			}
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return dedupeTokens(tokens)
}

func dedupeTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
