package assistant

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// Model generates assistant output. The production build uses MockModel; a
// hosted model can be dropped in behind the same interface.
type Model interface {
	Reply(ctx context.Context, prompt string) (string, error)
	Feature(ctx context.Context, kind, content string) (Feature, error)
}

var replyOpeners = []string{
	`Thank you for your question about "%s". Here's a comprehensive response with detailed analysis and examples.`,
	`That's an interesting point about "%s". Let me break this down for you with relevant information and context.`,
	`I understand you're asking about "%s". Here are the key insights and explanations you need to know.`,
	`Great question regarding "%s". Let me provide you with a thorough explanation and practical examples.`,
}

const replyBody = `

Key points to consider:
• Detailed analysis of the core concepts
• Practical applications and real-world examples
• Step-by-step breakdown of complex ideas
• Connections to related topics and concepts

This is a placeholder response that demonstrates the real-time chat functionality. The actual AI integration will provide comprehensive, context-aware responses based on your specific questions and uploaded content.

Feel free to ask follow-up questions for further clarification!`

// MockModel answers from fixed templates. Pick chooses the opener; nil means
// uniformly random.
type MockModel struct {
	Pick func(n int) int
}

func (m MockModel) Reply(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pick := m.Pick
	if pick == nil {
		pick = rand.IntN
	}
	opener := replyOpeners[pick(len(replyOpeners))%len(replyOpeners)]
	return fmt.Sprintf(opener, prompt) + replyBody, nil
}

func (m MockModel) Feature(ctx context.Context, kind, content string) (Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return GenerateFeature(kind, content), nil
}
