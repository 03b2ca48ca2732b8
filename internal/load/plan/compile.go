package plan

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

// compiler turns named task set configs into load.TaskSets. A set
// referenced from several parents is built once and shared.
type compiler struct {
	cfg   *config.PlanConfig
	login load.Authenticator
	built map[string]*load.TaskSet
	errs  *load.ConfigurationErrors
}

func (c *compiler) taskSet(name string) *load.TaskSet {
	if ts, ok := c.built[name]; ok {
		return ts
	}
	tc := c.cfg.TaskSets[name]
	prefix := "taskSets." + name

	// Failed sets are memoized as nil so their errors are reported once.
	c.built[name] = nil

	discipline, err := load.ParseDiscipline(tc.Discipline)
	if err != nil {
		c.errs.Add(prefix+".discipline", err.Error())
		return nil
	}

	b := load.NewTaskSet(name, discipline)
	if tc.OnStart != nil {
		if fn := c.onStart(prefix+".onStart", tc.OnStart); fn != nil {
			b.OnStart(fn)
		}
	}

	for i := range tc.Tasks {
		task := &tc.Tasks[i]
		taskPrefix := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if task.IsReference() {
			child := c.taskSet(task.TaskSet)
			if child == nil {
				continue
			}
			b.Add(child, task.Weight)
			continue
		}
		leaf := c.task(taskPrefix, task)
		if leaf == nil {
			continue
		}
		b.Add(leaf, task.Weight)
	}

	ts, err := b.Build()
	if err != nil {
		c.errs.Merge(prefix, err)
		return nil
	}
	c.built[name] = ts
	return ts
}

// request is a compiled request template.
type request struct {
	method  string
	path    *text
	body    *text
	headers textMap
}

func compileRequest(prefix, method, path, body string, headers map[string]string, errs *load.ConfigurationErrors) *request {
	r := &request{method: method, headers: compileTextMap(prefix+".headers", headers, errs)}
	var err error
	if r.path, err = compileText(prefix+".path", path); err != nil {
		errs.Add(prefix+".path", err.Error())
	}
	if body != "" {
		if r.body, err = compileText(prefix+".body", body); err != nil {
			errs.Add(prefix+".body", err.Error())
		}
	}
	return r
}

func (r *request) build(uc *load.UserContext) (*load.Request, error) {
	path, err := r.path.Render(uc)
	if err != nil {
		return nil, err
	}
	headers, err := r.headers.Render(uc)
	if err != nil {
		return nil, err
	}
	req := &load.Request{Method: r.method, Path: path, Headers: headers}
	if r.body != nil {
		body, err := r.body.Render(uc)
		if err != nil {
			return nil, err
		}
		req.Body = []byte(body)
	}
	return req, nil
}

func (c *compiler) task(prefix string, tc *config.TaskConfig) *load.Task {
	before := len(c.errs.Errors)
	req := compileRequest(prefix, tc.Method, tc.Path, tc.Body, tc.Headers, c.errs)

	var opts []load.TaskOption
	if tc.Timeout > 0 {
		opts = append(opts, load.WithTimeout(tc.Timeout.GetDuration(0)))
	}
	if cl := compileClassifier(prefix+".classify", tc.Classify, c.errs); cl != nil {
		opts = append(opts, load.WithClassifier(cl))
	}
	if len(tc.Extract) > 0 {
		opts = append(opts, load.WithExtractor(compileExtractor(tc.Extract)))
	}

	if len(c.errs.Errors) > before {
		return nil
	}
	return load.RequestTask(tc.Name, req.build, opts...)
}

// compileClassifier turns classify rules into an override classifier.
// The first matching rule decides; unmatched responses use the status
// policy.
func compileClassifier(prefix string, rules []config.ClassifyRule, errs *load.ConfigurationErrors) load.Classifier {
	if len(rules) == 0 {
		return nil
	}
	preds := make([]load.Predicate, 0, len(rules))
	for i, rule := range rules {
		var conds []load.Condition
		if len(rule.Status) > 0 {
			conds = append(conds, load.StatusIn(rule.Status...))
		}
		if rule.BodyContains != "" {
			conds = append(conds, load.BodyContains(rule.BodyContains))
		}
		if rule.JSONPath != "" {
			if rule.Equals != nil {
				conds = append(conds, load.JSONPathEquals(rule.JSONPath, *rule.Equals))
			} else {
				conds = append(conds, load.JSONPathExists(rule.JSONPath))
			}
		}
		if rule.Schema != "" {
			schema, err := jsonschema.Compile(rule.Schema)
			if err != nil {
				errs.Add(fmt.Sprintf("%s[%d].schema", prefix, i), err.Error())
				continue
			}
			conds = append(conds, load.MatchesSchema(schema))
		}

		cond := load.All(conds...)
		if rule.Negate {
			cond = load.Not(cond)
		}
		preds = append(preds, load.When(cond, load.Verdict{Success: rule.Result == "success", Note: rule.Note}))
	}
	return load.Override(preds...)
}

// compileExtractor captures values from a successful response. Values
// that are absent leave the variable untouched so templates can fall back.
func compileExtractor(extracts []config.ExtractConfig) load.Extractor {
	extracts = append([]config.ExtractConfig(nil), extracts...)
	return func(uc *load.UserContext, res *load.Response) {
		for _, e := range extracts {
			switch e.Source {
			case "header":
				if v := res.Header(e.Path); v != "" {
					uc.Set(e.Name, v)
				}
			case "status":
				uc.Set(e.Name, strconv.Itoa(res.Status))
			default:
				if v, ok := jsonpath.LookupString(res.Body, e.Path); ok {
					uc.Set(e.Name, v)
				}
			}
		}
	}
}

// onStart composes a task set initializer. Steps run in a fixed order:
// reset variables, set headers, set variables, then log in.
func (c *compiler) onStart(prefix string, oc *config.OnStartConfig) load.InitFunc {
	headers := compileTextMap(prefix+".headers", oc.Headers, c.errs)
	vars := compileTextMap(prefix+".set", oc.Set, c.errs)
	reset := append([]string(nil), oc.Reset...)

	var auth load.InitFunc
	if oc.Authenticate && c.login != nil {
		auth = load.Authenticate(c.login)
	}

	if len(reset) == 0 && headers == nil && vars == nil && auth == nil {
		return nil
	}

	return func(ctx context.Context, uc *load.UserContext, client load.Client) error {
		if len(reset) > 0 {
			uc.Delete(reset...)
		}

		hs, err := headers.Render(uc)
		if err != nil {
			return err
		}
		for k, v := range hs {
			uc.SetHeader(k, v)
		}

		vs, err := vars.Render(uc)
		if err != nil {
			return err
		}
		for k, v := range vs {
			uc.Set(k, v)
		}

		if auth != nil {
			return auth(ctx, uc, client)
		}
		return nil
	}
}
