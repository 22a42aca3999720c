package chat

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/system.md
var promptFS embed.FS

const defaultPromptPath = "prompts/system.md"

// Prompt is a system prompt with its frontmatter metadata.
type Prompt struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	// SystemPrompt may be given in frontmatter; otherwise the body is used.
	SystemPrompt string `yaml:"system_prompt"`
	Source       string `yaml:"-"`
}

// DefaultPrompt returns the embedded system prompt.
func DefaultPrompt() (*Prompt, error) {
	data, err := promptFS.ReadFile(defaultPromptPath)
	if err != nil {
		return nil, fmt.Errorf("read embedded prompt: %w", err)
	}
	return ParsePrompt("embedded:"+defaultPromptPath, data)
}

// LoadPrompt reads a prompt from path, or returns the embedded default when
// path is empty.
func LoadPrompt(path string) (*Prompt, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPrompt()
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied prompt path
	if err != nil {
		return nil, fmt.Errorf("read prompt %s: %w", path, err)
	}
	return ParsePrompt(path, data)
}

// ParsePrompt accepts either a Markdown file with YAML frontmatter or a plain
// YAML document carrying system_prompt.
func ParsePrompt(source string, data []byte) (*Prompt, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("prompt %s is empty", source)
	}

	var (
		front      []string
		body       []string
		inFront    bool
		headerSeen bool
	)

	lines := bufio.NewScanner(bytes.NewReader(trimmed))
	for lines.Scan() {
		line := lines.Text()
		switch {
		case !headerSeen && strings.TrimSpace(line) == "---":
			headerSeen = true
			inFront = true
		case headerSeen && inFront && strings.TrimSpace(line) == "---":
			inFront = false
		case inFront:
			front = append(front, line)
		default:
			body = append(body, line)
		}
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("scan prompt %s: %w", source, err)
	}

	p := &Prompt{}
	if headerSeen {
		if err := yaml.Unmarshal([]byte(strings.Join(front, "\n")), p); err != nil {
			return nil, fmt.Errorf("prompt %s: invalid frontmatter: %w", source, err)
		}
	} else if err := yaml.Unmarshal(trimmed, p); err != nil || strings.TrimSpace(p.SystemPrompt) == "" {
		// Plain text file: the whole content is the prompt.
		p = &Prompt{SystemPrompt: string(trimmed)}
	}

	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = strings.Join(body, "\n")
	}
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("prompt %s has no system prompt text", source)
	}
	p.Source = source
	return p, nil
}
