package codegen

import "strings"

const (
	fence       = "```"
	pythonFence = "```python"
)

// ExtractCode pulls the script out of a model response. The first ```python
// block wins; failing that the first ``` block (minus a bare language tag on
// its opening line); failing that the whole response. The rest of a ```python
// opening line ("3", "title=...") is its info string and is dropped. An unclosed
// fence runs to the end of the text. The result is trimmed.
func ExtractCode(response string) string {
	if i := strings.Index(response, pythonFence); i >= 0 {
		body := untilFence(response[i+len(pythonFence):])
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		return strings.TrimSpace(body)
	}
	if i := strings.Index(response, fence); i >= 0 {
		body := untilFence(response[i+len(fence):])
		return strings.TrimSpace(dropLanguageTag(body))
	}
	return strings.TrimSpace(response)
}

func untilFence(s string) string {
	if j := strings.Index(s, fence); j >= 0 {
		return s[:j]
	}
	return s
}

// dropLanguageTag removes a single-word info string such as "py" or "Python"
// that directly follows an opening fence
func dropLanguageTag(body string) string {
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return body
	}
	tag := strings.TrimSpace(body[:nl])
	if tag == "" || !isLanguageTag(tag) {
		return body
	}
	return body[nl+1:]
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '+', r == '.':
		default:
			return false
		}
	}
	return true
}
