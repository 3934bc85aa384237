package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TextConverter handles plain-text content types inline: text, markdown,
// and HTML pass through as-is after encoding cleanup. Binary formats need
// an external extraction capability and are rejected here.
type TextConverter struct{}

// NewTextConverter creates the built-in converter.
func NewTextConverter() *TextConverter {
	return &TextConverter{}
}

// Convert returns markdown for the given file. Invalid UTF-8 falls back to
// a Latin-1 interpretation rather than failing the upload.
func (c *TextConverter) Convert(_ context.Context, fileName, contentType string, data []byte) (string, error) {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	switch mediaType {
	case "text/plain", "text/markdown", "text/html":
		return decodeText(data), nil
	default:
		return "", fmt.Errorf("no converter for content type %q (file %s)", contentType, fileName)
	}
}

// decodeText interprets bytes as UTF-8, falling back to Latin-1 when the
// input is not valid UTF-8. Latin-1 decodes every byte sequence, so this
// never fails; it may just render mojibake for exotic encodings.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}
