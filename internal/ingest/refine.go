package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quarryio/quarry/internal/log"
)

const refineSegmentWords = 2000

const refinePrompt = `You are a document formatting assistant. Rewrite the
following extracted text as clean, well-structured Markdown. Preserve all
information faithfully. Fix broken line wraps, restore heading levels and
lists, and keep code blocks intact. Output only the Markdown, no commentary.

Text:
%s`

// ModelRefiner cleans up converter output with a generative model. Long
// documents are refined in word-bounded segments so each request stays
// within the model's context window.
type ModelRefiner struct {
	g         *genkit.Genkit
	modelName string
	logger    log.Logger
}

func NewModelRefiner(g *genkit.Genkit, modelName string, logger log.Logger) *ModelRefiner {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ModelRefiner{g: g, modelName: modelName, logger: logger}
}

// Refine rewrites markdown segment by segment. Any model failure aborts
// the whole refinement; callers fall back to the unrefined text.
func (r *ModelRefiner) Refine(ctx context.Context, markdown string) (string, error) {
	segments := splitSentences(markdown, refineSegmentWords)
	refined := make([]string, 0, len(segments))

	for i, segment := range segments {
		opts := []ai.GenerateOption{
			ai.WithPrompt(refinePrompt, segment),
		}
		if r.modelName != "" {
			opts = append(opts, ai.WithModelName(r.modelName))
		}

		response, err := genkit.Generate(ctx, r.g, opts...)
		if err != nil {
			return "", fmt.Errorf("refine segment %d/%d: %w", i+1, len(segments), err)
		}

		text := stripFence(response.Text())
		if text == "" {
			r.logger.Warn("refiner returned empty segment, keeping original",
				"segment", i+1, "total", len(segments))
			text = segment
		}
		refined = append(refined, text)
	}

	return strings.Join(refined, "\n\n"), nil
}

var (
	leadingFencePattern  = regexp.MustCompile("(?i)^```[ \t]*(?:markdown|md)?[ \t]*\n?")
	trailingFencePattern = regexp.MustCompile("\n?```[ \t]*$")
	sentencePattern      = regexp.MustCompile(`[^.!?]+[.!?]?`)
)

// stripFence removes the code fence some models wrap their whole answer
// in, so the fence lines never leak into the stored markdown.
func stripFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if loc := leadingFencePattern.FindStringIndex(cleaned); loc != nil {
		cleaned = cleaned[loc[1]:]
	}
	if loc := trailingFencePattern.FindStringIndex(cleaned); loc != nil {
		cleaned = cleaned[:loc[0]]
	}
	return strings.TrimSpace(cleaned)
}

// splitSentences groups whole sentences into segments of at most maxWords
// words each. Segment boundaries always fall between sentences; a single
// sentence over the budget becomes its own segment.
func splitSentences(text string, maxWords int) []string {
	sentences := sentencePattern.FindAllString(strings.TrimSpace(text), -1)

	var segments []string
	var current []string
	count := 0
	flush := func() {
		if len(current) > 0 {
			segments = append(segments, strings.Join(current, " "))
			current = nil
			count = 0
		}
	}

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		words := len(strings.Fields(sentence))
		if words > maxWords {
			flush()
			segments = append(segments, sentence)
			continue
		}
		if count+words > maxWords {
			flush()
		}
		current = append(current, sentence)
		count += words
	}
	flush()

	if len(segments) == 0 {
		return []string{text}
	}
	return segments
}
