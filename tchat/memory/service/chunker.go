package service

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// chunkNamespace scopes deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f2b8a0e-3c55-4f7e-9a51-2d9c0b1e7a44")

// Chunker splits page text into overlapping windows measured in runes.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker clamps overlap below size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the windows of text. A window ends on whitespace when one
// falls in its last fifth, so words are rarely cut.
func (c *Chunker) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for start := 0; start < len(runes); {
		end := start + c.size
		if end >= len(runes) {
			out = append(out, strings.TrimSpace(string(runes[start:])))
			break
		}
		for i := end; i >= end-c.size/5; i-- {
			if unicode.IsSpace(runes[i]) {
				end = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// Chunks splits every page of doc. Ordinals run across the whole document
// and ids are stable for the same path and ordinal.
func (c *Chunker) Chunks(doc Document) []Chunk {
	var out []Chunk
	for _, p := range doc.Pages {
		for _, text := range c.Split(p.Text) {
			if text == "" {
				continue
			}
			ord := len(out)
			out = append(out, Chunk{
				ID:        ChunkID(doc.Path, ord),
				Path:      doc.Path,
				FileName:  doc.FileName,
				PageLabel: p.Label,
				Ordinal:   ord,
				Text:      text,
			})
		}
	}
	return out
}

// ChunkID derives a name-based UUID from path and ordinal.
func ChunkID(path string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(path+"#"+strconv.Itoa(ordinal))).String()
}
