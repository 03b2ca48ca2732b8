package load

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name    string
		res     *Response
		err     error
		success bool
	}{
		{"200", &Response{Status: 200}, nil, true},
		{"204", &Response{Status: 204}, nil, true},
		{"302", &Response{Status: 302}, nil, true},
		{"399", &Response{Status: 399}, nil, true},
		{"400", &Response{Status: 400}, nil, false},
		{"401", &Response{Status: 401}, nil, false},
		{"503", &Response{Status: 503}, nil, false},
		{"199", &Response{Status: 199}, nil, false},
		{"transport error", nil, errors.New("connection refused"), false},
		{"nil response", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.success, DefaultClassifier.Classify(tt.res, tt.err).Success)
		})
	}
}

func TestOverrideAccepts401WithNote(t *testing.T) {
	c := Override(AcceptStatus("unauthenticated", 401))

	v := c.Classify(&Response{Status: 401}, nil)
	assert.True(t, v.Success)
	assert.Equal(t, "unauthenticated", v.Note)

	v = c.Classify(&Response{Status: 403}, nil)
	assert.False(t, v.Success, "other statuses keep the default policy")

	v = c.Classify(&Response{Status: 200}, nil)
	assert.True(t, v.Success)
	assert.Empty(t, v.Note)

	v = c.Classify(nil, errors.New("timeout"))
	assert.False(t, v.Success, "transport errors are never overridden")
}

func TestOverridePredicateOrder(t *testing.T) {
	c := Override(
		RejectStatus("rate limited", 429),
		AcceptStatus("already registered", 400, 429),
	)

	assert.Equal(t, Verdict{Success: false, Note: "rate limited"}, c.Classify(&Response{Status: 429}, nil))
	assert.Equal(t, Verdict{Success: true, Note: "already registered"}, c.Classify(&Response{Status: 400}, nil))
}

func TestBodyConditions(t *testing.T) {
	res := &Response{
		Status: 200,
		Body:   []byte(`{"status": "ok", "data": {"items": [{"id": 5}]}, "error": null}`),
	}

	assert.True(t, BodyContains(`"ok"`)(res))
	assert.False(t, BodyContains("failure")(res))
	assert.True(t, JSONPathExists("$.data.items[0].id")(res))
	assert.False(t, JSONPathExists("$.data.total")(res))
	assert.True(t, JSONPathEquals("$.status", "ok")(res))
	assert.True(t, JSONPathEquals("$.data.items[0].id", "5")(res))
	assert.False(t, JSONPathEquals("$.status", "degraded")(res))
	assert.True(t, Not(BodyContains("failure"))(res))
	assert.True(t, All()(res))
	assert.False(t, All(BodyContains("ok"), JSONPathExists("$.nope"))(res))
}

func TestClassifyOnBodyDespite200(t *testing.T) {
	c := Override(When(JSONPathEquals("$.status", "error"), Verdict{Note: "application error"}))

	v := c.Classify(&Response{Status: 200, Body: []byte(`{"status":"error"}`)}, nil)
	assert.False(t, v.Success)
	assert.Equal(t, "application error", v.Note)
}

func TestMatchesSchema(t *testing.T) {
	schema := jsonschema.MustCompile(`{"type":"object","required":["id"]}`)
	c := Override(When(Not(MatchesSchema(schema)), Verdict{Note: "schema mismatch"}))

	assert.True(t, c.Classify(&Response{Status: 201, Body: []byte(`{"id":1}`)}, nil).Success)
	v := c.Classify(&Response{Status: 201, Body: []byte(`{"name":"x"}`)}, nil)
	assert.False(t, v.Success)
	assert.Equal(t, "schema mismatch", v.Note)
}

func TestClassifyDoesNotMutateResponse(t *testing.T) {
	body := []byte(`{"id": 1}`)
	res := &Response{Status: 401, Body: body}
	c := Override(AcceptStatus("unauthenticated", 401), When(JSONPathExists("$.id"), Verdict{Success: true}))

	c.Classify(res, nil)
	assert.Equal(t, 401, res.Status)
	assert.Equal(t, `{"id": 1}`, string(res.Body))
}
