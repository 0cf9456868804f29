// ABOUTME: Renders a thread's messages as a Markdown or standalone HTML transcript
// ABOUTME: Message bodies are Markdown converted with goldmark; raw HTML is not passed through

package transcript

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/agentdesk/internal/store"
)

//go:embed page.html.tmpl
var pageTemplate string

var page = template.Must(template.New("transcript").Parse(pageTemplate))

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

const timeLayout = "2006-01-02 15:04"

// author names the speaker of a message.
func author(th *store.Thread, role store.Role) string {
	switch role {
	case store.RoleUser:
		return "You"
	case store.RoleSystem:
		return "Note"
	default:
		return th.OwnerID
	}
}

// Markdown returns the transcript as a Markdown document.
func Markdown(th *store.Thread, msgs []*store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", th.Title)
	fmt.Fprintf(&b, "_%s %s, started %s_\n\n", th.OwnerKind, th.OwnerID, th.CreatedAt.Format(timeLayout))
	for _, m := range msgs {
		fmt.Fprintf(&b, "**%s** (%s)\n\n", author(th, m.Role), m.CreatedAt.Format(timeLayout))
		if m.Role == store.RoleSystem {
			for _, line := range strings.Split(m.Content, "\n") {
				b.WriteString("> " + line + "\n")
			}
			b.WriteString("\n")
			continue
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n\n")
	}
	return b.String()
}

type pageMessage struct {
	Role   string
	Author string
	Time   string
	Body   template.HTML
}

type pageData struct {
	Title    string
	Owner    string
	Exported string
	Messages []pageMessage
}

// WriteHTML renders the transcript as a standalone HTML page.
func WriteHTML(w io.Writer, th *store.Thread, msgs []*store.Message, now time.Time) error {
	data := pageData{
		Title:    th.Title,
		Owner:    fmt.Sprintf("%s %s", th.OwnerKind, th.OwnerID),
		Exported: now.Format(timeLayout),
		Messages: make([]pageMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		if err := md.Convert([]byte(m.Content), &buf); err != nil {
			return fmt.Errorf("converting message %s: %w", m.ID, err)
		}
		data.Messages = append(data.Messages, pageMessage{
			Role:   string(m.Role),
			Author: author(th, m.Role),
			Time:   m.CreatedAt.Format(timeLayout),
			Body:   template.HTML(buf.String()),
		})
	}
	if err := page.Execute(w, data); err != nil {
		return fmt.Errorf("rendering transcript: %w", err)
	}
	return nil
}
