package taskflow

import (
	"fmt"
	"strings"
)

// ResolvePath expands {name} placeholders in template using subs. Literal
// braces are written as {{ and }}. A placeholder without a substitution is
// an error, as are format specs, conversions and field access such as
// {n:03d}, {n!r} or {row.id}.
func ResolvePath(template string, subs map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			name, end, err := placeholder(template, i)
			if err != nil {
				return "", err
			}
			value, ok := subs[name]
			if !ok {
				return "", fmt.Errorf("path template %q: no value for placeholder %q", template, name)
			}
			b.WriteString(fmt.Sprint(value))
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' in path template %q", template)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// TemplateFields returns the placeholder names used by template, in order of
// first appearance.
func TemplateFields(template string) ([]string, error) {
	seen := map[string]bool{}
	var fields []string
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				i++
				continue
			}
			name, end, err := placeholder(template, i)
			if err != nil {
				return nil, err
			}
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' in path template %q", template)
		}
	}
	return fields, nil
}

// placeholder parses the placeholder opening at template[start]. It returns
// the trimmed name and the offset of the closing brace from start+1.
func placeholder(template string, start int) (string, int, error) {
	end := strings.IndexByte(template[start+1:], '}')
	if end < 0 {
		return "", 0, fmt.Errorf("unclosed placeholder in path template %q", template)
	}
	name := strings.TrimSpace(template[start+1 : start+1+end])
	if name == "" {
		return "", 0, fmt.Errorf("empty placeholder in path template %q", template)
	}
	if i := strings.IndexAny(name, ":!.["); i >= 0 {
		return "", 0, fmt.Errorf("path template %q: placeholder %q uses unsupported %q; only plain names are substituted",
			template, name, name[i:i+1])
	}
	return name, end, nil
}
