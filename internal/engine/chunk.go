package engine

import "strings"

// splitChunks splits content into chunks of at most maxSize characters,
// preferring paragraph boundaries, then line boundaries, then raw
// slicing when a single line exceeds maxSize. Consecutive chunks share
// up to overlap characters of trailing context so retrieval does not
// lose sentences cut at a boundary.
//
// Content no longer than maxSize is returned unchanged as one chunk.
func splitChunks(content string, maxSize, overlap int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var units []string
	for _, para := range strings.Split(content, "\n\n") {
		if len(para) <= maxSize {
			units = append(units, para)
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			if len(line) <= maxSize {
				units = append(units, line)
				continue
			}
			units = append(units, sliceRaw(line, maxSize, overlap)...)
		}
	}

	var chunks []string
	var cur strings.Builder
	for _, u := range units {
		if u == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(u) > maxSize {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			// Seed the next chunk with the previous tail, unless the
			// unit would then no longer fit.
			if t := tail(chunk, overlap); len(t)+1+len(u) <= maxSize {
				cur.WriteString(t)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// sliceRaw cuts text into windows of maxSize stepping by maxSize-overlap.
func sliceRaw(text string, maxSize, overlap int) []string {
	step := maxSize - overlap
	if step <= 0 {
		step = maxSize
	}
	var out []string
	for start := 0; start < len(text); start += step {
		end := start + maxSize
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
