package plan

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/wesleyorama2/volley/internal/load"
)

// templateData is the value templates are executed against.
type templateData struct {
	Vars   map[string]string
	Token  string
	UserID int
}

var funcs = template.FuncMap{
	"randInt": randInt,
	"pick":    pick,
	"uuid":    uuid.NewString,
}

// randInt returns a number in [lo, hi].
func randInt(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rand.IntN(hi-lo+1)
}

func pick(items ...string) string {
	if len(items) == 0 {
		return ""
	}
	return items[rand.IntN(len(items))]
}

// text is a compiled template string. Strings without actions render
// verbatim without executing a template.
type text struct {
	raw  string
	tmpl *template.Template
}

func compileText(name, raw string) (*text, error) {
	if !strings.Contains(raw, "{{") {
		return &text{raw: raw}, nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(funcs).Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return &text{raw: raw, tmpl: tmpl}, nil
}

// Render executes the template for the user owning uc.
func (t *text) Render(uc *load.UserContext) (string, error) {
	if t == nil {
		return "", nil
	}
	if t.tmpl == nil {
		return t.raw, nil
	}
	var sb strings.Builder
	data := templateData{Vars: uc.Vars(), Token: uc.Token(), UserID: uc.UserID()}
	if err := t.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %q: %w", t.tmpl.Name(), err)
	}
	return sb.String(), nil
}

// textMap is a set of compiled header templates.
type textMap map[string]*text

func compileTextMap(prefix string, raw map[string]string, errs *load.ConfigurationErrors) textMap {
	if len(raw) == 0 {
		return nil
	}
	out := make(textMap, len(raw))
	for k, v := range raw {
		t, err := compileText(prefix+"."+k, v)
		if err != nil {
			errs.Add(prefix+"."+k, err.Error())
			continue
		}
		out[k] = t
	}
	return out
}

func (m textMap) Render(uc *load.UserContext) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, t := range m {
		v, err := t.Render(uc)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
