package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/transcript.html")
	if err != nil {
		// Fallback to built-in template if file not found
		transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for transcript rendering
type TemplateData struct {
	ClaimNumber string
	GeneratedAt time.Time
	Messages    []TemplateMessage
}

// TemplateMessage holds one message for the template
type TemplateMessage struct {
	SenderName    string
	SenderRole    string
	SenderAddress string
	Body          string
	SentAt        time.Time
	Attachments   []string
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Schadenakte {{.ClaimNumber}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .message { border-left: 3px solid #ccc; padding: 0.5rem 1rem; margin: 1rem 0; }
    .sender { font-weight: bold; }
    .address, .time { color: #666; font-size: 0.85em; }
    .attachment { color: #444; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>Schadenakte {{.ClaimNumber}}</h1>
  <div class="meta">Gesprächsprotokoll, erstellt am {{formatDate .GeneratedAt "02.01.2006 15:04"}}</div>
  {{range .Messages}}
  <div class="message">
    <div class="sender">{{.SenderName}} ({{.SenderRole}})</div>
    {{if .SenderAddress}}<div class="address">{{.SenderAddress}}</div>{{end}}
    <div class="time">{{formatDate .SentAt "02.01.2006 15:04"}}</div>
    <p>{{.Body}}</p>
    {{range .Attachments}}<div class="attachment">&#128206; {{.}}</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
