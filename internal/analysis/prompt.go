package analysis

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompt.tmpl
var promptText string

var promptTemplate = template.Must(template.New("analysis").Parse(promptText))

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `\'`)

type promptData struct {
	Content         string
	Keyword         string
	Community       string
	PersonaType     string
	PersonaSettings string
}

// BuildPrompt renders the analysis prompt. Quoted inputs are backslash-escaped
// and persona settings are rendered as JSON with sorted keys.
func BuildPrompt(req Request) (string, error) {
	data := promptData{
		Content:     quoteEscaper.Replace(req.Content),
		Keyword:     quoteEscaper.Replace(req.Keyword),
		Community:   quoteEscaper.Replace(req.Community),
		PersonaType: strings.ReplaceAll(string(req.PersonaType), "_", " "),
	}
	if len(req.PersonaSettings) > 0 {
		settings, err := json.Marshal(req.PersonaSettings)
		if err != nil {
			return "", fmt.Errorf("encode persona settings: %w", err)
		}
		data.PersonaSettings = string(settings)
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render analysis prompt: %w", err)
	}
	return buf.String(), nil
}
