// Package identity builds the stable system-prompt string that opens every
// conversation, joining optional persona files into a single document.
package identity

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// defaultPrompt is used when none of the identity files are present.
const defaultPrompt = `You are a capable, careful AI agent. You have access to tools for executing ` +
	`shell commands and fetching web content, and you remember relevant context from ` +
	`past conversations. Be direct, verify before claiming success, and say when you ` +
	`are uncertain rather than guessing.`

const separator = "\n\n---\n\n"

// fileOrder is the fixed concatenation order of the base identity files.
var fileOrder = []string{"SOUL.md", "AGENT.md", "USER.md"}

// Provider produces the system prompt by joining identity files from Dir, in
// order SOUL.md, AGENT.md, USER.md, then an optional persona file. Files that
// are missing or empty after trimming are skipped. The result is read once
// and memoized.
type Provider struct {
	Dir         string
	PersonaFile string

	once   sync.Once
	prompt string
}

// NewProvider builds a Provider rooted at dir, with an optional persona file
// name (resolved relative to dir).
func NewProvider(dir, personaFile string) *Provider {
	return &Provider{Dir: dir, PersonaFile: personaFile}
}

// GetSystemPrompt returns the joined identity document, computing it on the
// first call and caching the result for every call after.
func (p *Provider) GetSystemPrompt() string {
	p.once.Do(func() {
		p.prompt = p.build()
	})
	return p.prompt
}

// Reset clears the memoized prompt, forcing the next GetSystemPrompt call to
// re-read the identity files. Intended for tests.
func (p *Provider) Reset() {
	p.once = sync.Once{}
	p.prompt = ""
}

func (p *Provider) build() string {
	var parts []string

	for _, name := range fileOrder {
		if content := p.readTrimmed(name); content != "" {
			parts = append(parts, content)
		}
	}
	if p.PersonaFile != "" {
		if content := p.readTrimmed(p.PersonaFile); content != "" {
			parts = append(parts, content)
		}
	}

	if len(parts) == 0 {
		return defaultPrompt
	}
	return strings.Join(parts, separator)
}

func (p *Provider) readTrimmed(name string) string {
	if p.Dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
