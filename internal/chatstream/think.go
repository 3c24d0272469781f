package chatstream

import (
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// SplitThink separates <think>...</think> block content from the rest of
// an assembled message. Some gateways fold reasoning into the content
// stream behind this tag instead of a separate `reasoning` delta; callers
// use this as a fallback when no ReasoningChunk was ever observed. found
// is false when no block is present, in which case response equals
// content unchanged.
func SplitThink(content string) (think, response string, found bool) {
	matches := thinkBlockRe.FindStringSubmatch(content)
	if len(matches) > 1 {
		think = strings.TrimSpace(matches[1])
		response = strings.TrimSpace(thinkBlockRe.ReplaceAllString(content, ""))
		return think, response, true
	}
	return "", content, false
}
