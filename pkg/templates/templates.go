package templates

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Template names
const (
	NginxSite = "nginx-site"
)

//go:embed defaults/*.template
var defaults embed.FS

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Default returns the built-in template content by name.
func Default(name string) (string, error) {
	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("unknown template: %s", name)
	}
	return string(content), nil
}

// Load returns the content of the template file at path, or the built-in
// template name when path is empty.
func Load(name, path string) (string, error) {
	if path == "" {
		return Default(name)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return string(content), nil
}

// Render substitutes {{key}} placeholders in content with data. Every
// placeholder must have a value.
//
// Example:
//
//	rendered, err := Render("server_name {{label}}.{{domain}};", TemplateData{
//		"label":  "pr42",
//		"domain": "preview.example.com",
//	})
func Render(content string, data TemplateData) (string, error) {
	if missing := Missing(content, data); len(missing) > 0 {
		return "", fmt.Errorf("template has no value for: %s", strings.Join(missing, ", "))
	}
	return Expand(content, data), nil
}

// Expand substitutes the {{key}} placeholders it has values for and leaves
// the others untouched.
func Expand(content string, data TemplateData) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		key := m[2 : len(m)-2]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

// Missing returns the sorted placeholder names in content without a value
// in data.
func Missing(content string, data TemplateData) []string {
	seen := map[string]bool{}
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		key := m[1]
		if _, ok := data[key]; ok || seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return missing
}
