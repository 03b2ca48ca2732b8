package load

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

// Verdict is the classification of one task execution. A successful verdict
// may carry a note, e.g. "unauthenticated" for an expected 401.
type Verdict struct {
	Success bool
	Note    string
}

// Classifier maps a raw result to a verdict. Classifiers must not mutate
// the response and must be safe for concurrent use.
type Classifier interface {
	Classify(res *Response, err error) Verdict
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(res *Response, err error) Verdict

// Classify calls f(res, err).
func (f ClassifierFunc) Classify(res *Response, err error) Verdict {
	return f(res, err)
}

// DefaultClassifier treats statuses in [200, 399] as success and everything
// else, including transport errors, as failure.
var DefaultClassifier Classifier = ClassifierFunc(classifyByStatus)

func classifyByStatus(res *Response, err error) Verdict {
	if err != nil {
		return Verdict{Success: false}
	}
	if res == nil {
		return Verdict{Success: false, Note: "no response"}
	}
	if res.Status >= 200 && res.Status <= 399 {
		return Verdict{Success: true}
	}
	return Verdict{Success: false, Note: fmt.Sprintf("HTTP %d", res.Status)}
}

// Predicate inspects a response and optionally decides its verdict.
// Returning false defers to the next predicate.
type Predicate func(res *Response) (Verdict, bool)

// Override returns a classifier that tries preds in order and falls back
// to DefaultClassifier. Transport errors are never overridden.
func Override(preds ...Predicate) Classifier {
	preds = slices.Clone(preds)
	return ClassifierFunc(func(res *Response, err error) Verdict {
		if err != nil || res == nil {
			return classifyByStatus(res, err)
		}
		for _, p := range preds {
			if v, ok := p(res); ok {
				return v
			}
		}
		return classifyByStatus(res, nil)
	})
}

// Condition is a boolean test over a response.
type Condition func(res *Response) bool

// When returns a predicate yielding v whenever cond holds.
func When(cond Condition, v Verdict) Predicate {
	return func(res *Response) (Verdict, bool) {
		if cond(res) {
			return v, true
		}
		return Verdict{}, false
	}
}

// AcceptStatus marks the listed statuses as success with the given note.
func AcceptStatus(note string, codes ...int) Predicate {
	return When(StatusIn(codes...), Verdict{Success: true, Note: note})
}

// RejectStatus marks the listed statuses as failure with the given note.
func RejectStatus(note string, codes ...int) Predicate {
	return When(StatusIn(codes...), Verdict{Success: false, Note: note})
}

// StatusIn holds when the response status is one of codes.
func StatusIn(codes ...int) Condition {
	codes = slices.Clone(codes)
	return func(res *Response) bool {
		return slices.Contains(codes, res.Status)
	}
}

// BodyContains holds when the body contains substr.
func BodyContains(substr string) Condition {
	needle := []byte(substr)
	return func(res *Response) bool {
		return bytes.Contains(res.Body, needle)
	}
}

// JSONPathExists holds when path resolves in a JSON body.
func JSONPathExists(path string) Condition {
	return func(res *Response) bool {
		_, ok := res.JSON(path)
		return ok
	}
}

// JSONPathEquals holds when path resolves to a value whose string form is
// want.
func JSONPathEquals(path, want string) Condition {
	return func(res *Response) bool {
		v, ok := res.JSON(path)
		return ok && v.String() == want
	}
}

// MatchesSchema holds when the body validates against schema.
func MatchesSchema(schema *jsonschema.Schema) Condition {
	return func(res *Response) bool {
		return schema.Valid(res.Body)
	}
}

// Not negates cond.
func Not(cond Condition) Condition {
	return func(res *Response) bool { return !cond(res) }
}

// All holds when every condition holds. An empty list always holds.
func All(conds ...Condition) Condition {
	conds = slices.Clone(conds)
	return func(res *Response) bool {
		for _, c := range conds {
			if !c(res) {
				return false
			}
		}
		return true
	}
}
