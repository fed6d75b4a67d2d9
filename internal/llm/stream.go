package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// CompleteStream sends a streaming completion request. The handler is
// called with each text delta as it arrives; the accumulated completion
// is returned once the stream ends.
func (c *OpenAICompatClient) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*Completion, error) {
	params := c.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && handler != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				handler(delta)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("streaming: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	choice := acc.Choices[0]
	return &Completion{
		Text:         choice.Message.Content,
		Model:        acc.Model,
		FinishReason: choice.FinishReason,
		Usage:        convertUsage(acc.Usage),
	}, nil
}
