package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPages(t *testing.T) {
	pages := SplitPages("Intro\fOil level\n\f  \fTyre pressure")
	require.Len(t, pages, 3)
	assert.Equal(t, "1", pages[0].Label)
	assert.Equal(t, "2", pages[1].Label)
	assert.Equal(t, "4", pages[2].Label, "blank pages keep their number")
	assert.Equal(t, "Tyre pressure", pages[2].Text)
}

func TestChunker_SplitOverlapsAndBreaksOnWhitespace(t *testing.T) {
	c := NewChunker(20, 5)
	parts := c.Split("alpha beta gamma delta epsilon zeta eta theta")
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 20)
	}
	assert.Equal(t, "alpha beta gamma", parts[0])
	assert.Contains(t, parts[1], "gamma", "windows overlap")
}

func TestChunker_ClampsOverlap(t *testing.T) {
	c := NewChunker(10, 10)
	assert.Less(t, c.overlap, c.size)
	assert.Nil(t, c.Split("   "))
}

func TestChunker_ChunksCarryPageAndStableIDs(t *testing.T) {
	doc := Document{Path: "audi/a4.txt", FileName: "a4.txt", Pages: []Page{
		{Label: "1", Text: "Engine oil"},
		{Label: "2", Text: "Tyre pressure"},
	}}
	chunks := NewChunker(100, 10).Chunks(doc)
	require.Len(t, chunks, 2)
	assert.Equal(t, "2", chunks[1].PageLabel)
	assert.Equal(t, 1, chunks[1].Ordinal)
	assert.Equal(t, ChunkID("audi/a4.txt", 1), chunks[1].ID)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
	assert.Equal(t, "a4.txt (Page 2)", chunks[1].Citation())
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"check", "oil", "a4", "5w", "30"}, Tokenize("How do I check the oil in my A4? (5W-30)"))
}

func TestLexicalIndex_RanksByBM25(t *testing.T) {
	x := NewLexicalIndex()
	x.Add("oil", "Check the engine oil level with the dipstick. Oil grade 5W-30.")
	x.Add("tyre", "Tyre pressure is listed on the fuel flap.")
	x.Add("wipers", "Replace the wiper blades every year.")

	got := x.Query("engine oil", 3)
	require.NotEmpty(t, got)
	assert.Equal(t, "oil", got[0].ID)
	assert.Len(t, got, 1)

	assert.Empty(t, x.Query("", 3))
	assert.Empty(t, x.Query("oil", 0))
}

func TestLexicalIndex_PrefixExpansion(t *testing.T) {
	x := NewLexicalIndex()
	x.Add("a", "Windshield washer fluid reservoir")
	x.Add("b", "Brake fluid")

	got := x.Query("reserv", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	assert.Empty(t, x.Query("res", 5), "short terms do not expand")
}

func TestLexicalIndex_RemoveAndReplace(t *testing.T) {
	x := NewLexicalIndex()
	x.Add("a", "battery jump start")
	x.Add("b", "battery replacement")
	require.Equal(t, 2, x.Len())

	x.Remove("a")
	assert.Equal(t, 1, x.Len())
	got := x.Query("jump", 5)
	assert.Empty(t, got)

	x.Add("b", "spare wheel")
	assert.Equal(t, 1, x.Len())
	assert.Empty(t, x.Query("battery", 5))
	assert.Len(t, x.Query("wheel", 5), 1)
}

func TestFlatIndex_Cosine(t *testing.T) {
	f := NewFlatIndex()
	require.True(t, f.Upsert("x", []float32{1, 0, 0}))
	require.True(t, f.Upsert("y", []float32{0, 1, 0}))
	require.True(t, f.Upsert("xy", []float32{1, 1, 0}))
	assert.False(t, f.Upsert("zero", []float32{0, 0, 0}))
	assert.False(t, f.Upsert("short", []float32{1, 0}))

	got := f.Query([]float32{2, 0, 0}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "xy", got[1].ID)

	f.Delete("x")
	assert.Equal(t, 2, f.Len())
}

func TestFuseAlpha(t *testing.T) {
	lexical := []SearchResult{{ID: "a", Score: 10}, {ID: "b", Score: 5}, {ID: "c", Score: 0}}
	vector := []SearchResult{{ID: "c", Score: 0.9}, {ID: "a", Score: 0.1}}

	lexOnly := FuseAlpha(lexical, vector, 0)
	assert.Equal(t, "a", lexOnly[0].ID)

	vecOnly := FuseAlpha(lexical, vector, 1)
	assert.Equal(t, "c", vecOnly[0].ID)

	mixed := FuseAlpha(lexical, vector, 0.5)
	require.Len(t, mixed, 3)
	byID := map[string]SearchResult{}
	for _, r := range mixed {
		byID[r.ID] = r
	}
	assert.InDelta(t, 0.5, byID["a"].Score, 1e-9)
	assert.InDelta(t, 0.5, byID["c"].Score, 1e-9)
	assert.InDelta(t, 0.25, byID["b"].Score, 1e-9)
	assert.Equal(t, "lexical,vector", byID["a"].Provenance)
	assert.Equal(t, "lexical", byID["b"].Provenance)
}

func TestEmbeddingBlobRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	assert.Equal(t, v, decodeEmbedding(encodeEmbedding(v)))
	assert.Nil(t, encodeEmbedding(nil))
	assert.Nil(t, decodeEmbedding([]byte{1, 2, 3}))
}
