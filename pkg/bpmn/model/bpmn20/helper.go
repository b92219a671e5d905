package bpmn20

import "strings"

// toExpression turns a condition into placeholder form. "${..}" text is kept, a leading "=" marks a
// FEEL style expression and bare text is the expression itself.
func toExpression(text string) string {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "${") || strings.Contains(text, "#{") {
		return text
	}
	return "${" + feelEquality(strings.TrimPrefix(text, "=")) + "}"
}

// toMappingSource converts a mapping source. Only text starting with "=" is an expression, anything
// else stays a literal.
func toMappingSource(text string) string {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, "="); ok {
		return "${" + feelEquality(strings.TrimSpace(rest)) + "}"
	}
	return text
}

// feelEquality rewrites the single "=" comparison of FEEL to "==", string literals are left alone.
func feelEquality(src string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '=':
			prev := byte(0)
			if i > 0 {
				prev = src[i-1]
			}
			next := byte(0)
			if i+1 < len(src) {
				next = src[i+1]
			}
			if next == '=' {
				b.WriteString("==")
				i++
				continue
			}
			if prev != '!' && prev != '<' && prev != '>' {
				b.WriteString("==")
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
