package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pulsehours/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページ名。templates/<name>.htmlに対応する。
const (
	pageLogin     = "login"
	pagePulse     = "pulse"
	pageAdmin     = "admin"
	pageForbidden = "forbidden"
)

// PageData はテンプレートに渡す値。
type PageData struct {
	User      *model.UserSnapshot
	CSRFToken string
	Email     string
	Error     string
	Notice    string
	Landing   string
}

// Renderer はページテンプレートを描画する。
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer は埋め込みテンプレートを読み込んだRendererを返す。
func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, name := range []string{pageLogin, pagePulse, pageAdmin, pageForbidden} {
		t, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render はページを描画してstatusで書き込む。
// 描画に失敗した場合は途中までの出力を捨てて500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data PageData) {
	t, ok := r.pages[name]
	if !ok {
		slog.Error("unknown page template", slog.String("page", name))
		http.Error(w, model.MsgSystemError, http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, model.MsgSystemError, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
