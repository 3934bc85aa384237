package rag

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitCompleter implements Completer on a genkit instance.
type GenkitCompleter struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitCompleter creates a completer. modelName may be empty to use
// the instance's default model.
func NewGenkitCompleter(g *genkit.Genkit, modelName string) *GenkitCompleter {
	return &GenkitCompleter{g: g, modelName: modelName}
}

func (c *GenkitCompleter) Complete(ctx context.Context, system string, messages []*ai.Message) (string, error) {
	opts := c.baseOptions(system, messages)

	response, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	return response.Text(), nil
}

func (c *GenkitCompleter) Stream(ctx context.Context, system string, messages []*ai.Message, fn StreamFunc) (string, error) {
	opts := c.baseOptions(system, messages)
	opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
		return fn(ctx, chunk.Text())
	}))

	response, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("streaming completion: %w", err)
	}
	return response.Text(), nil
}

func (c *GenkitCompleter) baseOptions(system string, messages []*ai.Message) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithSystem(system),
		ai.WithMessages(messages...),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}
	return opts
}
