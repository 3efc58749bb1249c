package telegram

import (
	"html"
	"regexp"
	"strings"

	"metrobot/internal/transport"
)

// H is HTML that is safe to pass to Telegram with ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H { return wrap("b", Markup(s)) }
func I(s string) H { return wrap("i", Markup(s)) }

var (
	boldRe   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*\n]+?)\*`)
)

// Markup escapes s and turns **bold** and *italic* markers into tags.
func Markup(s string) H {
	out := html.EscapeString(s)
	out = boldRe.ReplaceAllString(out, "<b>$1</b>")
	out = italicRe.ReplaceAllString(out, "<i>$1</i>")
	return H(out)
}

// JoinH joins non-blank safe HTML parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// RenderMessage lays a rich message out as Telegram HTML: bold title,
// description, one block per field and an italic footer.
func RenderMessage(m transport.Message) H {
	parts := []H{B(m.Title), Markup(m.Description)}
	for _, f := range m.Fields {
		parts = append(parts, JoinH("\n", B(f.Name), Markup(f.Value)))
	}
	if m.Footer != "" {
		parts = append(parts, I(m.Footer))
	}
	return JoinH("\n\n", parts...)
}
