// Package style renders messages into the text lines written to a session,
// applying role-derived ANSI styling.
package style

import (
	"strings"

	"github.com/NicolasHaas/gotalk/pkg/model"

	"github.com/fatih/color"
)

// Renderer turns a model.Message into wire text. A Renderer is immutable after
// construction and safe for concurrent use.
type Renderer struct {
	colored bool
	roles   map[model.Role]*color.Color
	kinds   map[model.Kind]*color.Color
}

// NewRenderer builds a renderer. With colored false every message is plain text,
// independent of the global color.NoColor setting.
func NewRenderer(colored bool) *Renderer {
	r := &Renderer{
		colored: colored,
		roles: map[model.Role]*color.Color{
			model.RoleUser:  color.New(color.FgCyan, color.Bold),
			model.RoleAdmin: color.New(color.FgRed, color.Bold),
		},
		kinds: map[model.Kind]*color.Color{
			model.KindNotice:  color.New(color.FgYellow),
			model.KindWelcome: color.New(color.FgGreen, color.Bold),
			model.KindError:   color.New(color.FgRed),
			model.KindAction:  color.New(color.FgMagenta, color.Italic),
			model.KindPrompt:  color.New(color.Faint),
		},
	}
	for _, c := range r.roles {
		toggle(c, colored)
	}
	for _, c := range r.kinds {
		toggle(c, colored)
	}
	return r
}

func toggle(c *color.Color, on bool) {
	if on {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
}

// Colored reports whether this renderer emits escape sequences.
func (r *Renderer) Colored() bool {
	return r.colored
}

// Render formats m. Every kind except KindPrompt ends with a newline.
func (r *Renderer) Render(m model.Message) string {
	switch m.Kind {
	case model.KindChat:
		return "[" + r.name(m) + "] " + m.Text + "\n"
	case model.KindAction:
		return r.kind(model.KindAction, "* "+m.Author+" "+m.Text) + "\n"
	case model.KindNotice:
		return r.kind(model.KindNotice, "*** "+m.Text) + "\n"
	case model.KindPrompt:
		return r.kind(model.KindPrompt, m.Text)
	default:
		return r.kind(m.Kind, strings.TrimSuffix(m.Text, "\n")) + "\n"
	}
}

func (r *Renderer) name(m model.Message) string {
	c, ok := r.roles[m.Role]
	if !ok {
		return m.Author
	}
	return c.Sprint(m.Author)
}

func (r *Renderer) kind(k model.Kind, text string) string {
	c, ok := r.kinds[k]
	if !ok {
		return text
	}
	return c.Sprint(text)
}
