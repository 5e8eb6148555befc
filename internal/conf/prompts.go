package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptsConfig contains all prompt configurations loaded from YAML
type PromptsConfig struct {
	Generation GenerationPrompts `yaml:"generation"`
	Responses  ResponsePrompts   `yaml:"responses"`
}

// GenerationPrompts shape what is sent to the generator
type GenerationPrompts struct {
	SystemPrompt string `yaml:"system_prompt"`
	// Template wraps each message; {{channel}}, {{author}} and {{text}} are replaced
	Template string `yaml:"template"`
}

// ResponsePrompts shape what is posted back
type ResponsePrompts struct {
	// TimeoutMessage is returned instead of silence when generation times out
	TimeoutMessage string `yaml:"timeout_message"`
	// Signature is appended to every posted response when set
	Signature string `yaml:"signature"`
	// SignatureMarkers identify our own output inside text
	SignatureMarkers []string `yaml:"signature_markers"`
}

// LoadPromptsConfig loads prompts configuration from YAML file
func LoadPromptsConfig(configPath string) (*PromptsConfig, error) {
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/prompts.yaml",
			"/etc/feishu-relay/prompts.yaml",
		}
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "prompts.yaml"))
		}
	}

	var data []byte
	for _, p := range paths {
		if b, err := os.ReadFile(p); err == nil {
			data = b
			break
		}
	}
	if data == nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read prompts config %s", configPath)
		}
		return DefaultPromptsConfig(), nil
	}

	var config PromptsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse prompts.yaml: %w", err)
	}

	config.fillDefaults()
	return &config, nil
}

// fillDefaults fills in default values for empty fields
func (c *PromptsConfig) fillDefaults() {
	defaults := DefaultPromptsConfig()

	if c.Generation.SystemPrompt == "" {
		c.Generation.SystemPrompt = defaults.Generation.SystemPrompt
	}
	if c.Generation.Template == "" {
		c.Generation.Template = defaults.Generation.Template
	}
	if c.Responses.TimeoutMessage == "" {
		c.Responses.TimeoutMessage = defaults.Responses.TimeoutMessage
	}

	// the signature always counts as a marker
	sig := strings.TrimSpace(c.Responses.Signature)
	if sig == "" {
		return
	}
	for _, m := range c.Responses.SignatureMarkers {
		if m == sig {
			return
		}
	}
	c.Responses.SignatureMarkers = append(c.Responses.SignatureMarkers, sig)
}

// FormatPrompt renders the generation template for one message
func (c *PromptsConfig) FormatPrompt(channel, author, text string) string {
	result := c.Generation.Template
	result = strings.ReplaceAll(result, "{{channel}}", channel)
	result = strings.ReplaceAll(result, "{{author}}", author)
	result = strings.ReplaceAll(result, "{{text}}", text)
	return strings.TrimSpace(result)
}

// DefaultPromptsConfig returns the default prompts configuration
func DefaultPromptsConfig() *PromptsConfig {
	return &PromptsConfig{
		Generation: GenerationPrompts{
			SystemPrompt: `You are a helpful assistant answering questions in a team group chat.
Your reply is posted to the chat as-is, in the thread of the question.
Answer directly and concisely. Use plain text, not Markdown headings.
If the question is unclear, say what is missing instead of guessing.`,
			Template: `Message in #{{channel}}:
{{text}}`,
		},
		Responses: ResponsePrompts{
			TimeoutMessage: "Sorry, generating a reply took too long and was stopped. Please try asking again, or break the question into smaller parts.",
		},
	}
}
