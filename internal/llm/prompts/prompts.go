package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

// maxSourceRunes bounds the source material pasted into a prompt.
const maxSourceRunes = 20000

var sourceTagRegex = regexp.MustCompile(`(?i)</?\s*source-material\b[^>]*>`)

var (
	loadOnce    sync.Once
	loadErr     error
	genTemplate *template.Template
)

// GenerateData holds template data for question generation prompts.
type GenerateData struct {
	Subject           string
	Grade             string
	Topic             string
	Language          string
	Level             string
	NumMultipleChoice int
	NumOpenEnded      int
	Source            string
	WithPassage       bool
}

// Load parses the prompt templates from fsys. Only the first call has an
// effect; later calls return the first result.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		content, err := fs.ReadFile(fsys, "templates/generate.txt")
		if err != nil {
			loadErr = errors.New("failed to read prompt file templates/generate.txt: " + err.Error())
			return
		}
		genTemplate, err = template.New("generate").Parse(string(content))
		if err != nil {
			loadErr = errors.New("failed to parse prompt template templates/generate.txt: " + err.Error())
		}
	})
	return loadErr
}

// BuildGeneratePrompt renders the question generation prompt.
func BuildGeneratePrompt(data GenerateData) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	if data.Language == "" {
		data.Language = "Vietnamese"
	}
	data.Source = sanitizeSource(data.Source)

	var buf bytes.Buffer
	if err := genTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeSource strips tags that could close the source block early and
// caps the length.
func sanitizeSource(src string) string {
	src = sourceTagRegex.ReplaceAllString(src, "")
	src = strings.TrimSpace(src)
	if utf8.RuneCountInString(src) > maxSourceRunes {
		runes := []rune(src)
		src = string(runes[:maxSourceRunes]) + "\n\n[Source truncated due to length]"
	}
	return src
}
