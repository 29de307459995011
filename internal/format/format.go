// Package format renders feed items into chat payloads. It is pure: no
// network, no state, so the watcher and tests share identical output.
package format

import (
	"fmt"
	"html"
	"strings"

	"subwatch/internal/feed"
	"subwatch/internal/transport"
)

// bodyRuneLimit caps the rendered item body. Longer bodies are cut and
// marked with an ellipsis.
const bodyRuneLimit = 2000

// Render produces the message for one feed item. Output is Telegram HTML;
// all item-provided text is escaped.
func Render(item feed.Item) transport.Payload {
	var b strings.Builder

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "(untitled)"
	}
	if item.URL != "" {
		fmt.Fprintf(&b, `<b><a href="%s">%s</a></b>`, html.EscapeString(item.URL), html.EscapeString(title))
	} else {
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))
	}
	b.WriteString("\n")

	if item.Author != "" {
		if item.AuthorURL != "" {
			fmt.Fprintf(&b, `by <a href="%s">%s</a>`, html.EscapeString(item.AuthorURL), html.EscapeString(item.Author))
		} else {
			fmt.Fprintf(&b, "by %s", html.EscapeString(item.Author))
		}
		b.WriteString("\n")
	}

	if item.NSFW {
		b.WriteString("🔞 <b>NSFW</b>\n")
	}

	if body := strings.TrimSpace(item.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(truncateRunes(body, bodyRuneLimit)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Score: %d | Comments: %d", item.Score, item.Comments)
	if item.Video {
		b.WriteString(" | 🎬 Video")
	}

	p := transport.Payload{Text: b.String()}
	switch {
	case item.MediaURL != "":
		p.PreviewURL = item.MediaURL
	case item.Link && item.URL != "":
		// Link post without a resolvable media target: let the chat client
		// preview the post itself.
		p.PreviewURL = item.URL
	default:
		p.DisablePreview = true
	}
	return p
}

func truncateRunes(s string, maxN int) string {
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	return string(r[:maxN]) + "..."
}
