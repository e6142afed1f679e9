package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"corpusflow/internal/enrich"
	"corpusflow/internal/models"
)

// defaultPromptDir is the subdirectory within the user's home directory.
const defaultPromptDir = ".config/corpusflow/prompts"

var promptExtensions = map[string]bool{".txt": true, ".md": true, ".tmpl": true}

// LoadPromptContent reads a prompt template. An absolute path is used directly;
// a relative one, or defaultFilename when configuredPath is empty, is looked up
// in ~/.config/corpusflow/prompts/.
func LoadPromptContent(configuredPath, defaultFilename string) (string, error) {
	finalPath := configuredPath
	if !filepath.IsAbs(configuredPath) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		filename := configuredPath
		if filename == "" {
			filename = defaultFilename
		}
		finalPath = filepath.Join(homeDir, defaultPromptDir, filename)
	}

	promptBytes, err := os.ReadFile(finalPath)
	if err != nil {
		if os.IsNotExist(err) && !filepath.IsAbs(configuredPath) {
			return "", fmt.Errorf("prompt file not found at default location '%s'. Please create it or specify an absolute path in config.yaml: %w", finalPath, err)
		}
		return "", fmt.Errorf("failed to read prompt file '%s': %w", finalPath, err)
	}
	return string(promptBytes), nil
}

// ResolvePrompt returns value unchanged unless it names a prompt file, in
// which case the file's content is returned.
func ResolvePrompt(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.ContainsAny(trimmed, "\n{") || !promptExtensions[filepath.Ext(trimmed)] {
		return value, nil
	}
	return LoadPromptContent(trimmed, "")
}

// LoadPrompts applies the configured overrides to the built-in prompts.
func (c *Config) LoadPrompts() (enrich.Prompts, error) {
	system, err := ResolvePrompt(c.Prompts.System)
	if err != nil {
		return enrich.Prompts{}, fmt.Errorf("prompts.system: %w", err)
	}
	templates := make(map[models.Flavor]string, len(c.Prompts.Templates))
	for flavor, value := range c.Prompts.Templates {
		text, err := ResolvePrompt(value)
		if err != nil {
			return enrich.Prompts{}, fmt.Errorf("prompts.templates.%s: %w", flavor, err)
		}
		templates[models.Flavor(flavor)] = text
	}
	return enrich.DefaultPrompts().WithOverrides(system, templates), nil
}
