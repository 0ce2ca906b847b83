package reasoning

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
)

// PromptData is what prompt templates render against.
type PromptData struct {
	Inputs        map[string]any
	Goal          string
	OriginalQuery string
	CurrentQuery  string
}

// builtinPrompts are always available and can be overridden from a file.
var builtinPrompts = map[string]string{
	"summarize": `Summarize the following information for the user in a few clear sentences.
Goal: {{ .Goal }}
`,
	"extract": `Extract the facts relevant to this request: {{ .CurrentQuery | default .OriginalQuery }}
Answer with the extracted facts only.
`,
	"compare": `Compare the following items and state the key differences and a recommendation.
Goal: {{ .Goal }}
`,
	"answer": `Answer the user's question using only the information below.
Question: {{ .CurrentQuery | default .OriginalQuery }}
`,
}

// Library holds named prompt templates.
type Library struct {
	mu        sync.RWMutex
	sources   map[string]string
	templates map[string]*template.Template
}

// NewLibrary returns a library containing the built-in prompts.
func NewLibrary() *Library {
	l := &Library{
		sources:   make(map[string]string),
		templates: make(map[string]*template.Template),
	}
	for k, v := range builtinPrompts {
		if err := l.Add(k, v); err != nil {
			panic(fmt.Sprintf("builtin prompt %q: %v", k, err))
		}
	}
	return l
}

// promptFile is the on-disk layout: a top-level "prompts" map.
type promptFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// LoadFile adds or replaces prompts from a YAML file.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt library: %w", err)
	}
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse prompt library %s: %w", path, err)
	}
	for key, src := range pf.Prompts {
		if err := l.Add(key, src); err != nil {
			return err
		}
	}
	return nil
}

// Add registers or replaces one template.
func (l *Library) Add(key, src string) error {
	tmpl, err := parse(key, src, sprig.TxtFuncMap())
	if err != nil {
		return fmt.Errorf("prompt %q: %w", key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[key] = src
	l.templates[key] = tmpl
	return nil
}

// Has reports whether key names a template.
func (l *Library) Has(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.templates[key]
	return ok
}

// Keys returns the template names in sorted order.
func (l *Library) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.templates))
	for k := range l.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render executes the template named key. Inputs the template source does
// not mention are appended as "name: value" lines.
func (l *Library) Render(key string, data PromptData) (string, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[key]
	src := l.sources[key]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt key %q", key)
	}
	return execute(tmpl, src, data)
}

// RenderInline renders an ad-hoc prompt written by the planner. It gets no
// access to the process environment. Text that is not a valid template is
// used as written.
func RenderInline(src string, data PromptData) (string, error) {
	tmpl, err := parse("custom", src, inlineFuncs())
	if err != nil {
		return appendInputs(src, src, data.Inputs), nil
	}
	return execute(tmpl, src, data)
}

func inlineFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	delete(funcs, "env")
	delete(funcs, "expandenv")
	return funcs
}

func parse(name, src string, funcs template.FuncMap) (*template.Template, error) {
	return template.New(name).Funcs(funcs).Parse(src)
}

func execute(tmpl *template.Template, src string, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return appendInputs(buf.String(), src, data.Inputs), nil
}

func appendInputs(rendered, src string, inputs map[string]any) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		if !strings.Contains(src, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return rendered
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.TrimRight(rendered, "\n"))
	b.WriteString("\n\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, formatValue(inputs[name]))
	}
	return b.String()
}
