package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${expression} blocks.
type Template struct {
	raw   string
	parts []string
	codes map[int]Script
}

// NewTemplate compiles every ${...} block of raw with the given compiler.
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw, codes: map[int]Script{}}
	lastEnd := 0
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		code, err := compiler.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.codes[len(t.parts)] = code
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// Eval evaluates the embedded expressions and returns the rendered string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	var b strings.Builder
	for i, part := range t.parts {
		code, ok := t.codes[i]
		if !ok {
			b.WriteString(part)
			continue
		}
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		b.WriteString(result.String())
	}
	return b.String(), nil
}
