package service

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring"
	"github.com/armon/go-radix"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// Query terms at least this long expand to dictionary terms they prefix
	// when they have no exact match.
	minPrefixLen  = 4
	maxExpansions = 8
	expansionCut  = 0.5
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "does": true, "for": true, "from": true,
	"how": true, "i": true, "in": true, "is": true, "it": true, "my": true,
	"of": true, "on": true, "or": true, "the": true, "to": true, "what": true,
	"when": true, "where": true, "with": true, "you": true,
}

// Tokenize lowercases text and splits it into letter/digit runs, dropping
// stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

type lexDoc struct {
	id     string
	length int
	tf     map[string]int
	live   bool
}

// LexicalIndex is an in-memory BM25 index. Posting lists are roaring bitmaps
// over internal document numbers; the term dictionary is a radix tree so
// that query terms can expand by prefix.
type LexicalIndex struct {
	mu       sync.RWMutex
	terms    *radix.Tree // term -> *roaring.Bitmap
	docs     []lexDoc
	byID     map[string]uint32
	live     int
	totalLen int
}

// NewLexicalIndex returns an empty index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{terms: radix.New(), byID: make(map[string]uint32)}
}

// Add indexes text under id, replacing any previous entry.
func (x *LexicalIndex) Add(id, text string) {
	tokens := Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)

	n := uint32(len(x.docs))
	x.docs = append(x.docs, lexDoc{id: id, length: len(tokens), tf: tf, live: true})
	x.byID[id] = n
	x.live++
	x.totalLen += len(tokens)
	for term := range tf {
		if v, ok := x.terms.Get(term); ok {
			v.(*roaring.Bitmap).Add(n)
			continue
		}
		bm := roaring.New()
		bm.Add(n)
		x.terms.Insert(term, bm)
	}
}

// Remove drops id from the index.
func (x *LexicalIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *LexicalIndex) removeLocked(id string) {
	n, ok := x.byID[id]
	if !ok {
		return
	}
	d := &x.docs[n]
	for term := range d.tf {
		v, ok := x.terms.Get(term)
		if !ok {
			continue
		}
		bm := v.(*roaring.Bitmap)
		bm.Remove(n)
		if bm.IsEmpty() {
			x.terms.Delete(term)
		}
	}
	x.totalLen -= d.length
	x.live--
	d.live = false
	d.tf = nil
	delete(x.byID, id)
}

// Len returns the number of live documents.
func (x *LexicalIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.live
}

type queryTerm struct {
	postings *roaring.Bitmap
	term     string
	weight   float64
}

// Query returns up to k documents ranked by BM25.
func (x *LexicalIndex) Query(query string, k int) []SearchResult {
	if k <= 0 {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.live == 0 {
		return nil
	}

	qterms := x.expand(Tokenize(query))
	if len(qterms) == 0 {
		return nil
	}
	candidates := roaring.New()
	for _, qt := range qterms {
		candidates.Or(qt.postings)
	}

	N := float64(x.live)
	avgdl := float64(x.totalLen) / N
	if avgdl == 0 {
		avgdl = 1
	}

	results := make([]SearchResult, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		n := it.Next()
		d := x.docs[n]
		var score float64
		for _, qt := range qterms {
			tf := float64(d.tf[qt.term])
			if tf == 0 {
				continue
			}
			df := float64(qt.postings.GetCardinality())
			idf := math.Log(1 + (N-df+0.5)/(df+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(d.length)/avgdl))
			score += qt.weight * idf * norm
		}
		if score > 0 {
			results = append(results, SearchResult{ID: d.id, Score: score, Provenance: "lexical"})
		}
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// expand resolves query tokens to posting lists. Repeated tokens count once.
func (x *LexicalIndex) expand(tokens []string) []queryTerm {
	seen := make(map[string]bool)
	var out []queryTerm
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		if v, ok := x.terms.Get(t); ok {
			out = append(out, queryTerm{postings: v.(*roaring.Bitmap), term: t, weight: 1})
			continue
		}
		if len([]rune(t)) < minPrefixLen {
			continue
		}
		expanded := 0
		x.terms.WalkPrefix(t, func(term string, v interface{}) bool {
			if !seen[term] {
				seen[term] = true
				out = append(out, queryTerm{postings: v.(*roaring.Bitmap), term: term, weight: expansionCut})
				expanded++
			}
			return expanded >= maxExpansions
		})
	}
	return out
}

// sortResults orders by score desc, then id for determinism.
func sortResults(rs []SearchResult) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].ID < rs[j].ID
	})
}
