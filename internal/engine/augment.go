package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/clerkhq/clerk/internal/service/embedding"
)

// elisionMarker joins the selected chunks of an augmented resource so the
// model can tell that intervening content was dropped.
const elisionMarker = "... [Context skipped] ..."

// Augmenter substitutes the most relevant chunks of an oversized resource
// instead of its full text. It is strictly best-effort: any failure falls
// back to the full content, never to a run failure.
type Augmenter struct {
	provider  embedding.Provider
	threshold int
	chunkSize int
	overlap   int
	topK      int
	logger    *slog.Logger
}

// NewAugmenter creates an augmenter with the given bounds.
func NewAugmenter(provider embedding.Provider, threshold, chunkSize, overlap, topK int, logger *slog.Logger) *Augmenter {
	return &Augmenter{
		provider:  provider,
		threshold: threshold,
		chunkSize: chunkSize,
		overlap:   overlap,
		topK:      topK,
		logger:    logger,
	}
}

// ResourceText returns the text to substitute for a resource referenced
// by template. Content at or under the threshold passes through whole,
// as does content for which the template yields no residual query.
func (a *Augmenter) ResourceText(ctx context.Context, template, content string) string {
	if len(content) <= a.threshold {
		return content
	}
	query := residualQuery(template)
	if query == "" {
		return content
	}

	selected, ok := a.selectChunks(ctx, query, content)
	if !ok {
		return content
	}
	return strings.Join(selected, "\n\n"+elisionMarker+"\n\n")
}

// selectChunks embeds the chunks and query and returns the top-k chunks
// by cosine similarity, in document order. Returns ok=false when
// anything prevents a meaningful selection.
func (a *Augmenter) selectChunks(ctx context.Context, query, content string) ([]string, bool) {
	chunks := splitChunks(content, a.chunkSize, a.overlap)
	if len(chunks) == 0 {
		return nil, false
	}
	if len(chunks) <= a.topK {
		// Nothing would be skipped, and rejoining overlapping chunks
		// duplicates the overlap text. The original content is better.
		return nil, false
	}

	vecs, err := a.provider.EmbedBatch(ctx, append([]string{query}, chunks...))
	if err != nil {
		a.logger.Warn("augmentation embedding failed, using full content", "error", err)
		return nil, false
	}

	queryVec := vecs[0]
	if norm(queryVec) == 0 {
		return nil, false
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, len(chunks))
	for i := range chunks {
		ranked[i] = scored{index: i, score: cosineSimilarity(queryVec, vecs[i+1])}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	top := ranked[:a.topK]
	sort.Slice(top, func(i, j int) bool { return top[i].index < top[j].index })

	selected := make([]string, len(top))
	for i, s := range top {
		selected[i] = chunks[s.index]
	}
	return selected, true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func norm(v []float32) float64 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return math.Sqrt(n)
}
