package server

import (
	"bytes"
	"embed"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"previewbox/internal/reconcile"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.New("index.html").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
	"kind": func(k reconcile.Kind) string {
		switch k {
		case reconcile.KindPullRequest:
			return "PR"
		case reconcile.KindBranch:
			return "Branch"
		}
		return string(k)
	},
}).ParseFS(templateFS, "templates/index.html"))

type indexData struct {
	Title        string
	MissingLabel string
	Healthy      []deploymentView
	Failing      []deploymentView
}

// HandleIndex renders the status page. Requests for an unknown deployment's
// host name end up here too and get a notice naming the label.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Deployments.ListAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to list deployments", "error", err)
		http.Error(w, "Failed to list deployments", http.StatusInternalServerError)
		return
	}

	data := indexData{
		Title:        s.opts.Title,
		MissingLabel: s.requestedLabel(r),
	}
	for _, v := range s.views(records) {
		if v.FailCount > 0 {
			data.Failing = append(data.Failing, v)
		} else {
			data.Healthy = append(data.Healthy, v)
		}
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("Failed to render status page", "error", err)
		http.Error(w, "Failed to render status page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// requestedLabel returns the deployment label from a Host of the form
// <label>.<domain>, or "" for the domain itself and the index host.
func (s *Server) requestedLabel(r *http.Request) string {
	if s.opts.Domain == "" {
		return ""
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, ok := strings.CutSuffix(strings.ToLower(host), "."+strings.ToLower(s.opts.Domain))
	if !ok || label == "" || label == "index" || label == "www" || strings.Contains(label, ".") {
		return ""
	}
	return label
}
