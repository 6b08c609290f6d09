// Package web renders the relay's HTML dashboard.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/rfbrelay/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}
