package tollgate

import (
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"
)

// RejectPage renders the body of the 403 response sent for rejected domains.
type RejectPage struct {
	template *template.Template
}

// RejectPageData contains the data passed to the reject page template.
type RejectPageData struct {
	Target    string
	Method    string
	Mode      Mode
	RequestID string
	Timestamp string
}

// DefaultRejectPageHTML is the default reject page template.
const DefaultRejectPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Domain Rejected</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #16213e;
            color: #e0e0e0;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            background: rgba(255, 255, 255, 0.05);
            border-radius: 12px;
            padding: 32px 40px;
            max-width: 560px;
        }
        h1 { color: #fff; font-size: 24px; }
        dt { color: #888; font-size: 13px; margin-top: 12px; }
        dd { margin: 0; word-break: break-all; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Domain Rejected</h1>
        <p>This proxy does not forward requests to this domain.</p>
        <dl>
            <dt>Domain</dt><dd>{{.Target}}</dd>
            <dt>Method</dt><dd>{{.Method}}</dd>
            <dt>Policy</dt><dd>{{if eq .Mode "blocklist"}}domain is on the blocklist{{else}}domain is not on the allowlist{{end}}</dd>
            <dt>Request</dt><dd>{{.RequestID}}</dd>
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
    </div>
</body>
</html>`

// NewRejectPage creates a new RejectPage with the default template.
func NewRejectPage() *RejectPage {
	tmpl := template.Must(template.New("reject").Parse(DefaultRejectPageHTML))
	return &RejectPage{template: tmpl}
}

// NewRejectPageFromTemplate creates a RejectPage from a custom template string.
func NewRejectPageFromTemplate(templateStr string) (*RejectPage, error) {
	tmpl, err := template.New("reject").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &RejectPage{template: tmpl}, nil
}

// NewRejectPageFromFile creates a RejectPage from a template file.
func NewRejectPageFromFile(path string) (*RejectPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &RejectPage{template: tmpl}, nil
}

// Render writes the reject page to the given writer.
func (rp *RejectPage) Render(w io.Writer, data RejectPageData) error {
	return rp.template.Execute(w, data)
}

// RenderString returns the reject page as a string.
func (rp *RejectPage) RenderString(data RejectPageData) (string, error) {
	var sb strings.Builder
	if err := rp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WriteResponse writes a complete 403 response for rc.
func (rp *RejectPage) WriteResponse(w http.ResponseWriter, rc *RequestContext, mode Mode) {
	data := RejectPageData{
		Target:    rc.Target,
		Method:    rc.Method,
		Mode:      mode,
		RequestID: rc.ID,
		Timestamp: time.Now().Format(time.RFC1123),
	}

	body, err := rp.RenderString(data)
	if err != nil {
		http.Error(w, ErrDomainRejected.Error()+": "+rc.Target, http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusForbidden)
	_, _ = io.WriteString(w, body)
}
