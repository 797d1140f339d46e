package chat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"aigate/internal/domain"
)

// ErrTemplateNotFound is returned by LoadTemplate for a missing template file
var ErrTemplateNotFound = errors.New("prompt template not found")

// PromptTemplate is text with {{name}} placeholders
type PromptTemplate struct {
	template  string
	variables map[string]string
}

// NewPromptTemplate creates a template from text
func NewPromptTemplate(text string) *PromptTemplate {
	return &PromptTemplate{template: text, variables: map[string]string{}}
}

// LoadTemplate reads {dir}/{name}.txt
func LoadTemplate(dir, name string) (*PromptTemplate, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return nil, fmt.Errorf("%w: invalid name %q", ErrTemplateNotFound, name)
	}
	raw, err := os.ReadFile(filepath.Join(dir, name+".txt"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading prompt template %s: %w", name, err)
	}
	return NewPromptTemplate(string(raw)), nil
}

// With merges variables into the template
func (t *PromptTemplate) With(vars map[string]string) *PromptTemplate {
	for k, v := range vars {
		t.variables[k] = v
	}
	return t
}

// Render substitutes every known variable. Unknown placeholders are left as is.
func (t *PromptTemplate) Render() string {
	pairs := make([]string, 0, len(t.variables)*2)
	for k, v := range t.variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t.template)
}

// ToMessages renders the template as a single message with role
func (t *PromptTemplate) ToMessages(role domain.Role) []domain.Message {
	if role == "" {
		role = domain.RoleUser
	}
	return []domain.Message{{Role: role, Content: t.Render()}}
}
