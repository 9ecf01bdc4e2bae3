package telegram

import "html"

// MessageMaxChars is Telegram's hard limit on message text length.
const MessageMaxChars = 4096

// preOverhead is the character cost of wrapping a chunk in <pre></pre>.
const preOverhead = len("<pre>") + len("</pre>")

// EscapeHTML escapes text for Telegram's HTML parse mode.
func EscapeHTML(text string) string {
	return html.EscapeString(text)
}

// UnescapeHTML is the inverse of EscapeHTML.
func UnescapeHTML(text string) string {
	return html.UnescapeString(text)
}

// PreBlocks splits text into messages, each a single <pre> block that fits
// within Telegram's message limit after HTML escaping.
func PreBlocks(text string) []string {
	chunks := SplitForHTMLPre(text, MessageMaxChars-preOverhead)
	blocks := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		blocks = append(blocks, "<pre>"+EscapeHTML(chunk)+"</pre>")
	}
	return blocks
}

// escapedWidth is the character length of r after EscapeHTML. Only the five
// characters html.EscapeString rewrites grow; everything else stays one
// character wide.
func escapedWidth(r rune) int {
	switch r {
	case '&':
		return len("&amp;")
	case '<':
		return len("&lt;")
	case '>':
		return len("&gt;")
	case '"':
		return len("&#34;")
	case '\'':
		return len("&#39;")
	default:
		return 1
	}
}

// SplitForHTMLPre splits text into chunks whose HTML-escaped length stays
// within maxEscapedChars, so each chunk can be sent as one <pre> block.
//
// The budget is counted against the escaped width of each source character,
// not its raw width. Chunks break at the last newline that fits when there
// is one, so command output splits between lines rather than mid-line. The
// concatenation of the returned chunks is exactly the input text.
//
// A character whose escaped form alone exceeds the budget still gets its
// own chunk: progress is at least one source character per chunk, so the
// split always terminates. Empty input yields no chunks.
func SplitForHTMLPre(text string, maxEscapedChars int) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		escaped := 0
		lastNewline := -1
		end := start
		for end < len(runes) {
			w := escapedWidth(runes[end])
			if escaped+w > maxEscapedChars && end > start {
				break
			}
			escaped += w
			if runes[end] == '\n' {
				lastNewline = end
			}
			end++
		}
		// Break after the last newline that fit, unless the remainder of
		// the text fits as-is.
		if end < len(runes) && lastNewline >= start {
			end = lastNewline + 1
		}
		chunks = append(chunks, string(runes[start:end]))
		start = end
	}
	return chunks
}
