package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/maltedev/product-rag-scraper/internal/llm"
	"github.com/openai/openai-go/v3"
)

// ErrUnsolvable is returned when the solver reports that it found no solution.
var ErrUnsolvable = errors.New("captcha unsolvable")

type Solver interface {
	Solve(ctx context.Context, imageURL string) (string, error)
}

const solvePrompt = "The image is a text CAPTCHA made of distorted latin letters. " +
	"Reply with the letters only, without spaces or punctuation. " +
	"If you cannot read it, reply with UNSOLVABLE."

// VisionSolver reads CAPTCHA images with a vision-capable chat model.
type VisionSolver struct {
	api   llm.ChatCompleter
	model string
}

func NewVisionSolver(api llm.ChatCompleter, model string) *VisionSolver {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &VisionSolver{api: api, model: model}
}

func (s *VisionSolver) Solve(ctx context.Context, imageURL string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", fmt.Errorf("%w: empty image source", ErrUnsolvable)
	}

	resp, err := s.api.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							{OfText: &openai.ChatCompletionContentPartTextParam{Text: solvePrompt}},
							{OfImageURL: &openai.ChatCompletionContentPartImageParam{
								ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
									URL:    imageURL,
									Detail: "high",
								},
							}},
						},
					},
				},
			},
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("captcha solver request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrUnsolvable
	}

	return parseSolution(resp.Choices[0].Message.Content)
}

func parseSolution(answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	if strings.EqualFold(answer, "UNSOLVABLE") || strings.EqualFold(answer, "Not solved") {
		return "", ErrUnsolvable
	}

	var b strings.Builder
	for _, r := range answer {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "", ErrUnsolvable
	}
	return b.String(), nil
}
