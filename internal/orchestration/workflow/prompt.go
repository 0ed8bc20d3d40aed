package workflow

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// promptFrontmatter is the YAML header of a prompt template.
type promptFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Stage       string `yaml:"stage"`
}

const frontmatterDelimiter = "---"

// PromptData is the substitution context for a prompt template.
type PromptData struct {
	SessionID  string
	WorkflowID string
	Stage      string
	TaskID     string
	AgentName  string
	RoleID     string
	PlanPath   string

	// Task fields, set for task-scoped phases.
	TaskDescription string
	Files           []string
	Deps            []string

	// Notes carries phase-specific context: revision instructions, the
	// error report, review findings.
	Notes string

	// Continuation is set when resuming a phase a forced pause interrupted.
	Continuation *Continuation
}

type promptTemplate struct {
	name  string
	stage string
	tmpl  *template.Template
}

var (
	promptsOnce sync.Once
	prompts     map[string]*promptTemplate
	promptsErr  error
)

func loadPrompts() {
	fsys, err := BuiltinPromptsFS()
	if err != nil {
		promptsErr = err
		return
	}
	prompts, promptsErr = parsePrompts(fsys)
}

func parsePrompts(fsys fs.FS) (map[string]*promptTemplate, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading prompt templates: %w", err)
	}
	out := make(map[string]*promptTemplate, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(".", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading prompt %s: %w", entry.Name(), err)
		}
		pt, err := parsePrompt(string(content), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", entry.Name(), err)
		}
		out[pt.name] = pt
	}
	return out, nil
}

func parsePrompt(content, filename string) (*promptTemplate, error) {
	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return nil, fmt.Errorf("missing frontmatter delimiter")
	}
	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return nil, fmt.Errorf("no closing frontmatter delimiter")
	}
	var fm promptFrontmatter
	if err := yaml.Unmarshal([]byte(strings.TrimPrefix(yamlContent, "\n")), &fm); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if fm.Name == "" {
		fm.Name = strings.TrimSuffix(filename, ".md")
	}
	if fm.Stage == "" {
		return nil, fmt.Errorf("frontmatter missing required field: stage")
	}
	if !ValidStage(fm.Stage) {
		return nil, fmt.Errorf("frontmatter names unknown stage %q", fm.Stage)
	}
	body = strings.TrimPrefix(body, "\n")
	tmpl, err := template.New(fm.Name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing template body: %w", err)
	}
	return &promptTemplate{name: fm.Name, stage: fm.Stage, tmpl: tmpl}, nil
}

// RenderPrompt renders the named template with data and appends the
// completion protocol block, plus a continuation block when resuming
// interrupted work.
func RenderPrompt(name string, data PromptData) (string, error) {
	promptsOnce.Do(loadPrompts)
	if promptsErr != nil {
		return "", promptsErr
	}
	pt, ok := prompts[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	if data.Stage == "" {
		data.Stage = pt.stage
	}

	var buf bytes.Buffer
	if err := pt.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	if data.Continuation != nil {
		buf.WriteString("\n")
		writeContinuationBlock(&buf, data.Continuation)
	}
	buf.WriteString("\n")
	writeCompletionBlock(&buf, data)
	return buf.String(), nil
}

// writeCompletionBlock appends the callback instructions. Every agent prompt
// ends with this; the coordinator only trusts the explicit callback.
func writeCompletionBlock(buf *bytes.Buffer, data PromptData) {
	buf.WriteString("## Completion protocol\n\n")
	buf.WriteString("When finished, report your outcome by running exactly one command:\n\n")
	buf.WriteString(fmt.Sprintf("    apc agent complete --session %s --workflow %s --stage %s",
		data.SessionID, data.WorkflowID, data.Stage))
	if data.TaskID != "" {
		buf.WriteString(" --task " + data.TaskID)
	}
	buf.WriteString(" --result success --data '<json summary>'\n\n")
	buf.WriteString("Use --result failure if you could not complete the work. ")
	buf.WriteString("The coordinator waits on this callback; exiting without it is treated as a failure.\n")
}

func writeContinuationBlock(buf *bytes.Buffer, c *Continuation) {
	buf.WriteString("## Resuming interrupted work\n\n")
	buf.WriteString("A previous attempt at this phase was interrupted. Review the state below, ")
	buf.WriteString("verify what was already done, and continue rather than starting over.\n\n")
	if len(c.FilesModified) > 0 {
		buf.WriteString("Files touched by the previous attempt:\n")
		for _, f := range c.FilesModified {
			buf.WriteString("- " + f + "\n")
		}
		buf.WriteString("\n")
	}
	if len(c.OutputTail) > 0 {
		buf.WriteString("Last output before interruption:\n\n```\n")
		for _, line := range c.OutputTail {
			buf.WriteString(line + "\n")
		}
		buf.WriteString("```\n")
	}
}
