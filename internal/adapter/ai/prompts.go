package ai

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cvforge/cvforge/internal/domain"
)

//go:embed prompts.yaml
var promptsYAML []byte

type promptFile struct {
	Version    int                   `yaml:"version"`
	StrictJSON string                `yaml:"strict_json"`
	Tasks      map[string]taskPrompt `yaml:"tasks"`
}

type taskPrompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Prompts is the versioned template registry, loaded once at startup from
// the embedded prompts.yaml.
type Prompts struct {
	version    int
	strictJSON string
	tasks      map[domain.AITask]taskPrompt
}

// LoadPrompts parses the embedded registry and checks that every routed
// task has both templates.
func LoadPrompts() (*Prompts, error) {
	var pf promptFile
	if err := yaml.Unmarshal(promptsYAML, &pf); err != nil {
		return nil, fmt.Errorf("op=ai.prompts: %w", err)
	}
	if pf.Version <= 0 {
		return nil, fmt.Errorf("op=ai.prompts: missing version")
	}
	if strings.TrimSpace(pf.StrictJSON) == "" {
		return nil, fmt.Errorf("op=ai.prompts: missing strict_json template")
	}
	p := &Prompts{
		version:    pf.Version,
		strictJSON: strings.TrimSpace(pf.StrictJSON),
		tasks:      make(map[domain.AITask]taskPrompt, len(pf.Tasks)),
	}
	for _, task := range []domain.AITask{domain.TaskParse, domain.TaskOptimize, domain.TaskATS} {
		tp, ok := pf.Tasks[string(task)]
		if !ok || strings.TrimSpace(tp.System) == "" || strings.TrimSpace(tp.User) == "" {
			return nil, fmt.Errorf("op=ai.prompts: task %s has incomplete templates", task)
		}
		p.tasks[task] = tp
	}
	return p, nil
}

// MustLoadPrompts is LoadPrompts for wiring paths where a broken embedded
// registry is unrecoverable.
func MustLoadPrompts() *Prompts {
	p, err := LoadPrompts()
	if err != nil {
		panic(err)
	}
	return p
}

// Version identifies the template set that produced a result.
func (p *Prompts) Version() int { return p.version }

// System returns the system prompt for task.
func (p *Prompts) System(task domain.AITask) string {
	return p.tasks[task].System
}

// RenderUser fills the user template for task with vars. Placeholders use
// {{name}} syntax; unknown placeholders are left in place so a mismatch is
// visible in the outgoing prompt rather than silently dropped.
func (p *Prompts) RenderUser(task domain.AITask, vars map[string]string) string {
	tpl := p.tasks[task].User
	if len(vars) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// StrictJSONNudge is the extra user turn sent when a json-format response
// failed repair.
func (p *Prompts) StrictJSONNudge() string { return p.strictJSON }
