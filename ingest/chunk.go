package ingest

import "unicode"

// Chunk splits text into windows of at most size runes, each overlapping the
// previous by overlap runes. A window ends at the last whitespace in its
// final quarter when there is one.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end - 1; i > end-size/4 && i > start; i-- {
				if unicode.IsSpace(runes[i]) {
					end = i
					break
				}
			}
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
