package load

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/volley/pkg/jsonpath"
)

// Request is a single call issued by a task through a Client.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte

	// Timeout bounds this call. Zero defers to the caller's context.
	Timeout time.Duration
}

// Response is the raw result of a call.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte

	// Duration is the time spent in the transport, when the client measures it.
	Duration time.Duration
}

// Header returns the first value of the named response header.
func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// JSON resolves a JSONPath-like expression against the body.
// It reports false when the body is not JSON or the path is absent.
func (r *Response) JSON(path string) (gjson.Result, bool) {
	if r == nil {
		return gjson.Result{}, false
	}
	return jsonpath.Lookup(r.Body, path)
}

// Size returns the body length in bytes.
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// Client executes requests against the system under test.
// Implementations must be safe for concurrent use by many users.
type Client interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute calls f(ctx, req).
func (f ClientFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Authenticator obtains a session token for one user.
type Authenticator interface {
	Authenticate(ctx context.Context, client Client, uc *UserContext) (string, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, client Client, uc *UserContext) (string, error)

// Authenticate calls f(ctx, client, uc).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, client Client, uc *UserContext) (string, error) {
	return f(ctx, client, uc)
}

// Authenticate returns an InitFunc that logs the user in and stores the
// resulting token in its context.
func Authenticate(auth Authenticator) InitFunc {
	return func(ctx context.Context, uc *UserContext, client Client) error {
		token, err := auth.Authenticate(ctx, client, uc)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		uc.SetToken(token)
		return nil
	}
}

// StatusError reports a call that completed with an unexpected status.
type StatusError struct {
	Status int
	Note   string
}

func (e *StatusError) Error() string {
	if e.Note != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Note)
	}
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// scopedClient decorates every request with the owning user's token and
// header overrides.
type scopedClient struct {
	base Client
	uc   *UserContext
}

// Scope returns a Client that injects uc's session state into every call.
// Headers set on the request itself take precedence over the user's
// overrides, and an explicit Authorization header suppresses the token.
func Scope(base Client, uc *UserContext) Client {
	return &scopedClient{base: base, uc: uc}
}

func (c *scopedClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	overrides := c.uc.Headers()
	token := c.uc.Token()
	if len(overrides) == 0 && token == "" {
		return c.base.Execute(ctx, req)
	}

	headers := make(map[string]string, len(overrides)+len(req.Headers)+1)
	if token != "" {
		headers[http.CanonicalHeaderKey(c.uc.tokenHeader)] = c.uc.tokenValue(token)
	}
	for k, v := range overrides {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	for k, v := range req.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}

	scoped := *req
	scoped.Headers = headers
	return c.base.Execute(ctx, &scoped)
}
