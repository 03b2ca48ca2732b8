package plan

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/internal/load/runner"
)

const shopPlan = `
name: "Shop API"
variables:
  tenant: acme
load:
  users: 3
  spawnRate: 2
  duration: 10s
pacing:
  type: random
  min: 1ms
  max: 2ms
auth:
  path: /api/auth/login
  body: '{"email":"user{{.UserID}}@example.com"}'
  tokenPath: $.token
taskSets:
  Browse:
    onStart:
      authenticate: true
    tasks:
      - name: "GET /api/products/{id}"
        weight: 3
        path: '/api/products/{{or .Vars.productId 1}}'
        classify:
          - status: [401]
            result: success
            note: unauthenticated
      - taskSet: Checkout
  Checkout:
    discipline: sequential
    onStart:
      reset: [orderId]
      headers:
        X-Tenant: '{{.Vars.tenant}}'
    tasks:
      - name: create order
        method: POST
        path: /api/orders
        body: '{"user":{{.UserID}}}'
        extract:
          - name: orderId
            path: $.id
      - name: get order
        path: '/api/orders/{{.Vars.orderId}}'
roots:
  Browse: 1
`

func compileYAML(t *testing.T, doc string) *Plan {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(doc), "plan.yaml")
	require.NoError(t, err)
	p, err := Compile(cfg)
	require.NoError(t, err)
	return p
}

// shopClient fakes the shop API.
type shopClient struct {
	mu    sync.Mutex
	calls []load.Request
}

func (c *shopClient) Execute(_ context.Context, req *load.Request) (*load.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, *req)
	n := len(c.calls)
	c.mu.Unlock()

	switch {
	case req.Path == "/api/auth/login":
		return &load.Response{Status: 200, Body: []byte(`{"token":"t-` + strconv.Itoa(n) + `"}`)}, nil
	case req.Method == "POST" && req.Path == "/api/orders":
		return &load.Response{Status: 201, Body: []byte(`{"id": 42}`)}, nil
	case strings.HasPrefix(req.Path, "/api/products/"):
		return &load.Response{Status: 401}, nil
	default:
		return &load.Response{Status: 200, Body: []byte(`{}`)}, nil
	}
}

func (c *shopClient) seen() []load.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]load.Request(nil), c.calls...)
}

func TestCompileShopPlan(t *testing.T) {
	p := compileYAML(t, shopPlan)

	assert.Equal(t, "Shop API", p.Name)
	require.Len(t, p.Roots, 1)
	root := p.Roots[0].TaskSet
	assert.Equal(t, "Browse", root.Name())
	assert.Equal(t, load.WeightedRandom, root.Discipline())
	assert.NotNil(t, root.OnStart())
	assert.Equal(t, 4, root.TotalWeight())

	children := root.Children()
	require.Len(t, children, 2)
	assert.Equal(t, "GET /api/products/{id}", children[0].Node.Name())
	checkout, ok := children[1].Node.(*load.TaskSet)
	require.True(t, ok)
	assert.Equal(t, load.Sequential, checkout.Discipline())

	assert.Equal(t, "linear(2.00/s)", p.Ramp.String())
	assert.Equal(t, 10*time.Second, p.Duration)
	assert.Equal(t, 3, p.PeakUsers())

	rc := p.RunnerConfig()
	assert.Equal(t, 30*time.Second, rc.Timeout)
	assert.Len(t, rc.ContextOptions, 2)
}

func TestPlanRunsEndToEnd(t *testing.T) {
	p := compileYAML(t, shopPlan)
	client := &shopClient{}
	sink := load.NewCollector()

	vu := load.NewVirtualUser(load.UserOptions{
		ID:             5,
		Root:           p.Roots[0].TaskSet,
		Client:         client,
		Sink:           sink,
		Pacing:         p.Pacing,
		ContextOptions: p.ContextOptions(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- vu.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, req := range client.seen() {
			if req.Path == "/api/orders/42" {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	vu.RequestStop()
	require.NoError(t, <-done)

	calls := client.seen()
	require.NotEmpty(t, calls)
	assert.Equal(t, "/api/auth/login", calls[0].Path)
	assert.Equal(t, `{"email":"user5@example.com"}`, string(calls[0].Body))

	for _, req := range calls[1:] {
		assert.Equal(t, "Bearer t-1", req.Headers["Authorization"], "token on %s", req.Path)
		if strings.HasPrefix(req.Path, "/api/orders") {
			assert.Equal(t, "acme", req.Headers["X-Tenant"])
		}
		if req.Method == "POST" {
			assert.Equal(t, `{"user":5}`, string(req.Body))
		}
	}

	for _, o := range sink.Outcomes() {
		if o.Name == "GET /api/products/{id}" {
			assert.True(t, o.Success)
			assert.Equal(t, "unauthenticated", o.Note)
			assert.Equal(t, 401, o.Status)
		}
	}
}

func TestCompileRejectsCycles(t *testing.T) {
	doc := `
load: {users: 1}
taskSets:
  A:
    tasks:
      - path: /a
      - taskSet: B
  B:
    tasks:
      - taskSet: C
  C:
    tasks:
      - taskSet: A
roots: {A: 1}
`
	cfg, err := config.ParseConfig([]byte(doc), "")
	require.NoError(t, err)

	_, err = Compile(cfg)
	require.Error(t, err)
	var errs *load.ConfigurationErrors
	require.True(t, errors.As(err, &errs))
	assert.Contains(t, err.Error(), "cycle detected: A -> B -> C -> A")
}

func TestCompileRejectsSelfReference(t *testing.T) {
	doc := `
load: {users: 1}
taskSets:
  Loop:
    tasks:
      - taskSet: Loop
`
	cfg, err := config.ParseConfig([]byte(doc), "")
	require.NoError(t, err)

	_, err = Compile(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected: Loop -> Loop")
}

func TestCompileSharesReferencedSets(t *testing.T) {
	doc := `
load: {users: 1}
taskSets:
  Common:
    tasks: [{path: /health}]
  A:
    tasks: [{taskSet: Common}]
  B:
    tasks: [{taskSet: Common}]
roots: {A: 1, B: 2}
`
	p := compileYAML(t, doc)
	require.Len(t, p.Roots, 2)
	a := p.Roots[0].TaskSet.Children()[0].Node
	b := p.Roots[1].TaskSet.Children()[0].Node
	assert.Same(t, a, b)
	assert.Equal(t, 2, p.Roots[1].Weight)
}

func TestCompileReportsTemplateErrors(t *testing.T) {
	doc := `
load: {users: 1}
taskSets:
  main:
    tasks:
      - path: '/items/{{.Vars.id'
`
	cfg, err := config.ParseConfig([]byte(doc), "")
	require.NoError(t, err)

	_, err = Compile(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taskSets.main.tasks[0].path")
}

func TestCompileRamp(t *testing.T) {
	tests := []struct {
		name string
		load string
		want string
	}{
		{name: "immediate", load: "{users: 4}", want: "immediate"},
		{name: "linear", load: "{users: 4, spawnRate: 0.5}", want: "linear(0.50/s)"},
		{name: "stages", load: "{stages: [{duration: 1s, target: 5}, {duration: 1s, target: 0}]}", want: "stages(2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := compileYAML(t, "load: "+tt.load+"\ntaskSets: {main: {tasks: [{path: /}]}}\n")
			assert.Equal(t, tt.want, p.Ramp.String())
		})
	}
}

func TestTemplateRendering(t *testing.T) {
	uc := load.NewUserContext(9)
	uc.Set("categoryId", "3")
	uc.SetToken("tok")

	tests := []struct {
		name  string
		tmpl  string
		check func(t *testing.T, out string)
	}{
		{
			name:  "plain text",
			tmpl:  "/api/products",
			check: func(t *testing.T, out string) { assert.Equal(t, "/api/products", out) },
		},
		{
			name:  "variable",
			tmpl:  "/api/categories/{{.Vars.categoryId}}",
			check: func(t *testing.T, out string) { assert.Equal(t, "/api/categories/3", out) },
		},
		{
			name:  "missing variable renders empty",
			tmpl:  "[{{.Vars.productId}}]",
			check: func(t *testing.T, out string) { assert.Equal(t, "[]", out) },
		},
		{
			name: "fallback when absent",
			tmpl: "{{or .Vars.productId (randInt 1 10)}}",
			check: func(t *testing.T, out string) {
				n, err := strconv.Atoi(out)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, n, 1)
				assert.LessOrEqual(t, n, 10)
			},
		},
		{
			name:  "user id and token",
			tmpl:  "{{.UserID}}:{{.Token}}",
			check: func(t *testing.T, out string) { assert.Equal(t, "9:tok", out) },
		},
		{
			name:  "pick",
			tmpl:  `{{pick "laptop" "phone"}}`,
			check: func(t *testing.T, out string) { assert.Contains(t, []string{"laptop", "phone"}, out) },
		},
		{
			name:  "uuid",
			tmpl:  "{{uuid}}",
			check: func(t *testing.T, out string) { assert.Len(t, out, 36) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm, err := compileText(tt.name, tt.tmpl)
			require.NoError(t, err)
			out, err := tm.Render(uc)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestCompileClassifier(t *testing.T) {
	equals := "out_of_stock"
	rules := []config.ClassifyRule{
		{Status: []int{400}, BodyContains: "already registered", Result: "success", Note: "duplicate"},
		{JSONPath: "$.error", Equals: &equals, Result: "failure", Note: "stock"},
		{Schema: `{"type":"object","required":["id"]}`, Negate: true, Result: "failure", Note: "bad body"},
	}
	errs := &load.ConfigurationErrors{}
	cl := compileClassifier("classify", rules, errs)
	require.False(t, errs.HasErrors())
	require.NotNil(t, cl)

	tests := []struct {
		name string
		res  *load.Response
		want load.Verdict
	}{
		{
			name: "duplicate registration accepted",
			res:  &load.Response{Status: 400, Body: []byte(`{"message":"email already registered"}`)},
			want: load.Verdict{Success: true, Note: "duplicate"},
		},
		{
			name: "other 400 falls back to status policy",
			res:  &load.Response{Status: 400, Body: []byte(`{"id":1}`)},
			want: load.Verdict{Success: false, Note: "HTTP 400"},
		},
		{
			name: "json value rejects a 200",
			res:  &load.Response{Status: 200, Body: []byte(`{"error":"out_of_stock","id":1}`)},
			want: load.Verdict{Success: false, Note: "stock"},
		},
		{
			name: "schema mismatch rejects a 200",
			res:  &load.Response{Status: 200, Body: []byte(`{"name":"x"}`)},
			want: load.Verdict{Success: false, Note: "bad body"},
		},
		{
			name: "valid body succeeds",
			res:  &load.Response{Status: 200, Body: []byte(`{"id":1}`)},
			want: load.Verdict{Success: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cl.Classify(tt.res, nil))
		})
	}
}

func TestCompileExtractor(t *testing.T) {
	extract := compileExtractor([]config.ExtractConfig{
		{Name: "orderId", Source: "body", Path: "$.order.id"},
		{Name: "location", Source: "header", Path: "Location"},
		{Name: "status", Source: "status"},
	})

	uc := load.NewUserContext(1)
	uc.Set("orderId", "old")
	res := &load.Response{Status: 201, Body: []byte(`{"order":{"id":7}}`)}
	res.Headers = map[string][]string{"Location": {"/api/orders/7"}}
	extract(uc, res)

	assert.Equal(t, map[string]string{"orderId": "7", "location": "/api/orders/7", "status": "201"}, uc.Vars())

	extract(uc, &load.Response{Status: 200, Body: []byte(`{}`)})
	v, _ := uc.Get("orderId")
	assert.Equal(t, "7", v, "absent values leave the variable untouched")
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		res      *load.Response
		err      error
		token    string
		wantErr  string
	}{
		{name: "token", required: true, res: &load.Response{Status: 200, Body: []byte(`{"token":"abc"}`)}, token: "abc"},
		{name: "rejected", required: true, res: &load.Response{Status: 403}, wantErr: "unexpected status 403: login rejected"},
		{name: "rejected optional", required: false, res: &load.Response{Status: 403}},
		{name: "missing token", required: true, res: &load.Response{Status: 200, Body: []byte(`{}`)}, wantErr: "token not found"},
		{name: "transport error", required: false, err: errors.New("connection refused"), wantErr: "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required := tt.required
			l, err := compileLogin(&config.AuthConfig{
				Method: "POST", Path: "/login", TokenPath: "$.token",
				AcceptStatus: []int{200}, Required: &required,
			})
			require.NoError(t, err)

			client := load.ClientFunc(func(context.Context, *load.Request) (*load.Response, error) {
				return tt.res, tt.err
			})
			token, err := l.Authenticate(context.Background(), client, load.NewUserContext(1))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.token, token)
		})
	}
}

func TestOnStartResetsVariables(t *testing.T) {
	c := &compiler{errs: &load.ConfigurationErrors{}}
	fn := c.onStart("onStart", &config.OnStartConfig{
		Reset: []string{"orderId"},
		Set:   map[string]string{"basket": "b-{{.UserID}}"},
	})
	require.NotNil(t, fn)

	uc := load.NewUserContext(4)
	uc.Set("orderId", "9")
	require.NoError(t, fn(context.Background(), uc, nil))

	_, ok := uc.Get("orderId")
	assert.False(t, ok)
	v, _ := uc.Get("basket")
	assert.Equal(t, "b-4", v)
}

func TestCompileRootPacing(t *testing.T) {
	p := compileYAML(t, `
name: Mixed users
load:
  users: 4
pacing:
  type: random
  min: 1s
  max: 3s
taskSets:
  Api:
    tasks:
      - path: /api/products
  Simple:
    pacing:
      type: constant
      duration: 1h
    tasks:
      - path: /health
roots:
  Api: 3
  Simple: 1
`)

	require.Len(t, p.Roots, 2)
	assert.Equal(t, "Api", p.Roots[0].TaskSet.Name())
	assert.Nil(t, p.Roots[0].Pacing)
	require.NotNil(t, p.Roots[1].Pacing)
	uc := load.NewUserContext(1)
	assert.Equal(t, time.Hour, p.Roots[1].Pacing.Next(uc, 0))
	d := p.Pacing.Next(uc, 0)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 3*time.Second)

	client := &shopClient{}
	sink := load.NewCollector()
	r := runner.New(p.RunnerConfig(), client, sink)
	require.NoError(t, p.Register(r))
}

func TestCompileExamplePlan(t *testing.T) {
	cfg, err := config.LoadConfig("../../../examples/shop.yaml")
	require.NoError(t, err)
	p, err := Compile(cfg)
	require.NoError(t, err)

	require.Len(t, p.Roots, 4)
	for _, root := range p.Roots {
		if root.TaskSet.Name() == "SimpleTasks" {
			assert.NotNil(t, root.Pacing)
		} else {
			assert.Nil(t, root.Pacing)
		}
	}
	assert.Equal(t, 50, p.PeakUsers())
	assert.Equal(t, 2*time.Minute, p.Duration)
}
