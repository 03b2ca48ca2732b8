package plan

import (
	"context"
	"fmt"
	"slices"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
)

// login authenticates a user with a templated request and reads the
// session token from the JSON response.
type login struct {
	req       *request
	tokenPath string
	accept    []int
	required  bool
}

func compileLogin(ac *config.AuthConfig) (*login, error) {
	errs := &load.ConfigurationErrors{}
	req := compileRequest("auth", ac.Method, ac.Path, ac.Body, ac.Headers, errs)
	if errs.HasErrors() {
		return nil, errs
	}
	return &login{
		req:       req,
		tokenPath: ac.TokenPath,
		accept:    slices.Clone(ac.AcceptStatus),
		required:  ac.IsRequired(),
	}, nil
}

// Authenticate implements load.Authenticator. Transport errors always fail;
// a rejected login or a missing token fails only when login is required,
// otherwise the user continues unauthenticated.
func (l *login) Authenticate(ctx context.Context, client load.Client, uc *load.UserContext) (string, error) {
	req, err := l.req.build(uc)
	if err != nil {
		return "", err
	}

	res, err := client.Execute(ctx, req)
	if err != nil {
		return "", err
	}

	if !slices.Contains(l.accept, res.Status) {
		if l.required {
			return "", &load.StatusError{Status: res.Status, Note: "login rejected"}
		}
		return "", nil
	}

	token, ok := jsonpath.LookupString(res.Body, l.tokenPath)
	if !ok || token == "" {
		if l.required {
			return "", fmt.Errorf("token not found at %s", l.tokenPath)
		}
		return "", nil
	}
	return token, nil
}
