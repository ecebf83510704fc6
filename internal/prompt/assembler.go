package prompt

import (
	"context"
	"fmt"
	"strings"
)

// Request is the structured generation context the assembler turns into a
// final prompt string.
type Request struct {
	Variant     string
	Subject     string
	Scene       string
	Style       string
	Extra       string
	TriggerWord string
}

// Assembler produces the final prompt for a generation request. It is pure
// from the orchestrator's point of view; implementations may call out to a
// secondary AI service.
type Assembler interface {
	Assemble(ctx context.Context, req Request) (string, error)
}

// TemplateAssembler composes the prompt from the request fields directly.
type TemplateAssembler struct{}

var _ Assembler = TemplateAssembler{}

func (TemplateAssembler) Assemble(_ context.Context, req Request) (string, error) {
	if req.Subject == "" {
		return "", fmt.Errorf("prompt request missing subject")
	}
	parts := []string{}
	if req.TriggerWord != "" {
		parts = append(parts, req.TriggerWord)
	}
	parts = append(parts, req.Subject)
	if req.Scene != "" {
		parts = append(parts, req.Scene)
	}
	if req.Style != "" {
		parts = append(parts, "in the style of "+req.Style)
	}
	if req.Extra != "" {
		parts = append(parts, req.Extra)
	}
	return strings.Join(parts, ", "), nil
}
