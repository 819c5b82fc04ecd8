package rag

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	contextPlaceholder  = "{context}"
	questionPlaceholder = "{question}"
)

// DefaultTemplate asks the model to act as a shopping assistant for the
// retrieved products.
const DefaultTemplate = `Você é um assistente de compras. Ajude o cliente a escolher o produto com a melhor relação entre custo e benefício, usando apenas os produtos listados abaixo.

Seja objetivo e direto. Compare as opções de forma justa e faça no máximo uma pergunta por vez.

{context}

Pergunta: {question}

Resposta:`

// PromptFile is the on-disk form of a prompt override.
type PromptFile struct {
	Model    string `yaml:"model"`
	Template string `yaml:"template"`
}

// LoadPromptFile reads a YAML prompt override. The template must contain both
// placeholders.
func LoadPromptFile(path string) (*PromptFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	return parsePromptFile(data)
}

func parsePromptFile(data []byte) (*PromptFile, error) {
	var pf PromptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file: %w", err)
	}
	if err := validateTemplate(pf.Template); err != nil {
		return nil, err
	}
	return &pf, nil
}

func validateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("prompt template is empty")
	}
	for _, placeholder := range []string{contextPlaceholder, questionPlaceholder} {
		if !strings.Contains(template, placeholder) {
			return fmt.Errorf("prompt template is missing %s", placeholder)
		}
	}
	return nil
}

// renderPrompt fills both placeholders in a single pass so text inside the
// retrieved documents is never substituted again.
func renderPrompt(template, context, question string) string {
	return strings.NewReplacer(
		contextPlaceholder, context,
		questionPlaceholder, question,
	).Replace(template)
}
