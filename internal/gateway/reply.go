package gateway

import "strings"

// ChunkText splits text into pieces no longer than max runes, breaking
// on paragraph, then line, then word boundaries before cutting
// mid-word. max <= 0 returns the text whole.
func ChunkText(text string, max int) []string {
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var out []string
	remaining := text
	for len([]rune(remaining)) > max {
		runes := []rune(remaining)
		window := string(runes[:max])

		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = i + len(sep)
				break
			}
		}
		if cut <= 0 {
			cut = len(window)
		}

		out = append(out, strings.TrimRight(remaining[:cut], " \n"))
		remaining = strings.TrimLeft(remaining[cut:], " \n")
	}
	if remaining != "" {
		out = append(out, remaining)
	}
	return out
}
