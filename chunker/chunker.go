// Package chunker splits extracted text into retrieval-sized pieces.
//
// Chunking is deterministic: the same input and settings always produce the
// same chunks, so re-processing a source yields identical rows.
package chunker

import "strings"

// Chunk splits text into pieces of roughly targetSize characters with overlap
// characters carried over between consecutive chunks. Paragraphs are packed
// whole where possible; a paragraph larger than targetSize is split at
// sentence boundaries, and a single oversized sentence is split mid-word as a
// last resort. Empty or whitespace-only input yields nil.
func Chunk(text string, targetSize, overlap int) []string {
	if targetSize <= 0 {
		targetSize = 2400
	}
	if overlap < 0 || overlap >= targetSize {
		overlap = 0
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= targetSize {
			units = append(units, para)
			continue
		}
		units = append(units, splitOversized(para, targetSize)...)
	}

	var chunks []string
	var sb strings.Builder
	for _, unit := range units {
		if sb.Len() > 0 && sb.Len()+2+len(unit) > targetSize {
			chunks = append(chunks, sb.String())
			sb.Reset()
			if overlap > 0 {
				if tail := overlapTail(chunks[len(chunks)-1], overlap); tail != "" {
					sb.WriteString(tail)
				}
			}
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(unit)
	}
	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}

	return chunks
}

// splitOversized breaks a paragraph into sentence groups no larger than
// targetSize each.
func splitOversized(para string, targetSize int) []string {
	sentences := splitSentences(para)

	var groups []string
	var sb strings.Builder
	for _, sentence := range sentences {
		for len(sentence) > targetSize {
			if sb.Len() > 0 {
				groups = append(groups, sb.String())
				sb.Reset()
			}
			cut := lastSpaceBefore(sentence, targetSize)
			groups = append(groups, strings.TrimSpace(sentence[:cut]))
			sentence = strings.TrimSpace(sentence[cut:])
		}
		if sentence == "" {
			continue
		}
		if sb.Len() > 0 && sb.Len()+1+len(sentence) > targetSize {
			groups = append(groups, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(sentence)
	}
	if sb.Len() > 0 {
		groups = append(groups, sb.String())
	}

	return groups
}

// splitSentences performs a cheap sentence split on terminal punctuation
// followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// lastSpaceBefore returns a cut position at the last space at or before limit,
// or limit itself when the text has no space to break on.
func lastSpaceBefore(text string, limit int) int {
	if limit >= len(text) {
		return len(text)
	}
	for i := limit; i > 0; i-- {
		if text[i] == ' ' {
			return i
		}
	}
	return limit
}

// overlapTail returns the last n characters of chunk, extended left to the
// nearest word boundary so the overlap never starts mid-word.
func overlapTail(chunk string, n int) string {
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
