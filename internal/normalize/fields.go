package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/you/chat-director/internal/core"
)

// extractor pulls one candidate value out of a raw payload. Extractors are
// tried in order by firstOf until one yields a non-empty string.
type extractor func(map[string]any) string

func firstOf(m map[string]any, extractors ...extractor) string {
	for _, ex := range extractors {
		if v := strings.TrimSpace(ex(m)); v != "" {
			return v
		}
	}
	return ""
}

// textAt returns an extractor that resolves a dotted path and coerces the
// value through textOf.
func textAt(path string) extractor {
	return func(m map[string]any) string {
		return textOf(lookup(m, path))
	}
}

// lookup walks a dotted path through nested maps. Any wrapper map holding a
// single "*Renderer" key is unwrapped on the way, so "header.primaryText"
// resolves through {"header":{"liveChatSponsorshipsHeaderRenderer":{...}}}.
func lookup(m map[string]any, path string) any {
	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := unwrapRenderer(current).(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[key]
		if !ok {
			return nil
		}
	}
	return unwrapRenderer(current)
}

func unwrapRenderer(v any) any {
	node, ok := v.(map[string]any)
	if !ok || len(node) != 1 {
		return v
	}
	for key, inner := range node {
		if strings.HasSuffix(key, "Renderer") || strings.HasSuffix(key, "ViewModel") {
			if innerMap, ok := inner.(map[string]any); ok {
				return innerMap
			}
		}
	}
	return v
}

func mapAt(m map[string]any, path string) map[string]any {
	node, _ := lookup(m, path).(map[string]any)
	return node
}

func listAt(m map[string]any, path string) []any {
	list, _ := lookup(m, path).([]any)
	return list
}

// textOf accepts the shapes upstream uses for text: plain strings, numbers,
// {simpleText}, {text} and {runs:[...]}.
func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case map[string]any:
		if s, ok := t["simpleText"].(string); ok && s != "" {
			return s
		}
		if runs, ok := t["runs"].([]any); ok && len(runs) > 0 {
			return flattenRuns(buildRuns(runs))
		}
		if s, ok := t["text"].(string); ok {
			return s
		}
		if s, ok := t["content"].(string); ok {
			return s
		}
	}
	return ""
}

// buildRuns converts raw run objects into text and emoji segments.
func buildRuns(raw []any) []core.Run {
	runs := make([]core.Run, 0, len(raw))
	for _, item := range raw {
		part, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if emoji, ok := part["emoji"].(map[string]any); ok {
			run := core.Run{
				EmojiURL: emojiURL(emoji),
				EmojiAlt: emojiAlt(emoji, part),
			}
			if run.EmojiURL != "" || run.EmojiAlt != "" {
				runs = append(runs, run)
				continue
			}
		}
		if text, ok := part["text"].(string); ok && text != "" {
			runs = append(runs, core.Run{Text: text})
		}
	}
	return runs
}

func emojiURL(emoji map[string]any) string {
	if u := firstURL(lookup(emoji, "image.thumbnails")); u != "" {
		return u
	}
	return firstURL(lookup(emoji, "image"))
}

func emojiAlt(emoji, run map[string]any) string {
	if shortcuts, ok := emoji["shortcuts"].([]any); ok {
		for _, s := range shortcuts {
			if str, ok := s.(string); ok && str != "" {
				return str
			}
		}
	}
	return firstOf(emoji,
		textAt("image.accessibility.accessibilityData.label"),
		textAt("emojiId"),
		textAt("emoji_id"),
		func(map[string]any) string { return textOf(run["text"]) },
	)
}

func flattenRuns(runs []core.Run) string {
	var b strings.Builder
	for _, run := range runs {
		if run.Text != "" {
			b.WriteString(run.Text)
			continue
		}
		b.WriteString(run.EmojiAlt)
	}
	return b.String()
}

// firstURL accepts a thumbnail list ([{url}]) or a {thumbnails:[...]} object
// and returns the first URL, made absolute.
func firstURL(v any) string {
	switch t := unwrapRenderer(v).(type) {
	case []any:
		for _, item := range t {
			if entry, ok := item.(map[string]any); ok {
				if u, ok := entry["url"].(string); ok && strings.TrimSpace(u) != "" {
					return absoluteURL(u)
				}
			}
		}
	case map[string]any:
		if thumbs, ok := t["thumbnails"]; ok {
			return firstURL(thumbs)
		}
		if u, ok := t["url"].(string); ok {
			return absoluteURL(u)
		}
	case string:
		return absoluteURL(t)
	}
	return ""
}

// absoluteURL rewrites protocol-relative ("//host/x") and bare-host
// ("host/x") URLs to https.
func absoluteURL(raw string) string {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "data:"):
		return u
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "/"):
		return u
	default:
		return "https://" + u
	}
}

// numberOf coerces numeric and numeric-string values.
func numberOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
