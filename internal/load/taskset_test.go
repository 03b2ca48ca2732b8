package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(name string) *Task {
	return NewTask(name, func(context.Context, *UserContext, Client) (*Response, error) {
		return &Response{Status: 200}, nil
	})
}

func noopInit(context.Context, *UserContext, Client) error { return nil }

func TestParseDiscipline(t *testing.T) {
	tests := []struct {
		in      string
		want    Discipline
		wantErr bool
	}{
		{"", WeightedRandom, false},
		{"weighted", WeightedRandom, false},
		{"Sequential", Sequential, false},
		{"round-robin", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDiscipline(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestBuildRejectsInvalidSets(t *testing.T) {
	t.Run("empty set", func(t *testing.T) {
		_, err := NewTaskSet("Empty", WeightedRandom).Build()
		var cerrs *ConfigurationErrors
		require.True(t, errors.As(err, &cerrs))
		assert.Contains(t, err.Error(), "no children")
	})

	t.Run("zero weight", func(t *testing.T) {
		_, err := NewTaskSet("Zero", WeightedRandom).Add(noopTask("a"), 0).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
		assert.Contains(t, err.Error(), "total child weight is zero")
	})

	t.Run("negative weight", func(t *testing.T) {
		_, err := NewTaskSet("Neg", WeightedRandom).
			Add(noopTask("a"), 1).
			Add(noopTask("b"), -2).
			Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"b"`)
	})

	t.Run("nil child", func(t *testing.T) {
		var missing *TaskSet
		_, err := NewTaskSet("Nil", Sequential).Add(missing, 1).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "child is nil")
	})

	t.Run("task without function", func(t *testing.T) {
		_, err := NewTaskSet("NoFn", Sequential).Add(NewTask("a", nil), 1).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no work function")
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := NewTaskSet(" ", Sequential).Add(noopTask("a"), 1).Build()
		require.Error(t, err)
	})
}

func TestValidateDetectsCycles(t *testing.T) {
	a := &TaskSet{name: "A", discipline: WeightedRandom, totalWeight: 1}
	b := &TaskSet{name: "B", discipline: Sequential, totalWeight: 1}
	a.children = []Child{{Node: b, Weight: 1}}
	b.children = []Child{{Node: a, Weight: 1}}

	err := Validate(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestValidateAllowsSharedSubtrees(t *testing.T) {
	shared := NewTaskSet("Shared", Sequential).Add(noopTask("s"), 1).MustBuild()
	root := NewTaskSet("Root", WeightedRandom).
		Add(shared, 1).
		Add(NewTaskSet("Other", WeightedRandom).Add(shared, 1).MustBuild(), 1).
		MustBuild()

	assert.NoError(t, Validate(root))
}

func TestWeightedRandomProportions(t *testing.T) {
	root := NewTaskSet("Root", WeightedRandom).
		Add(noopTask("a"), 3).
		Add(noopTask("b"), 2).
		Add(noopTask("c"), 1).
		MustBuild()

	uc := NewUserContext(1, WithSeed(42))
	const draws = 60000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[root.Resolve(uc).Task.Name()]++
	}

	expected := map[string]float64{
		"a": draws * 3.0 / 6.0,
		"b": draws * 2.0 / 6.0,
		"c": draws * 1.0 / 6.0,
	}
	chiSquare := 0.0
	for name, exp := range expected {
		diff := float64(counts[name]) - exp
		chiSquare += diff * diff / exp
	}

	// 2 degrees of freedom, p = 0.001
	assert.Less(t, chiSquare, 13.82, "counts %v", counts)
}

func TestWeightedDrawIsPerUser(t *testing.T) {
	root := NewTaskSet("Root", WeightedRandom).
		Add(noopTask("a"), 1).
		Add(noopTask("b"), 1).
		MustBuild()

	sequence := func(seed uint64) []string {
		uc := NewUserContext(1, WithSeed(seed))
		var out []string
		for i := 0; i < 32; i++ {
			out = append(out, root.Resolve(uc).Task.Name())
		}
		return out
	}

	assert.Equal(t, sequence(7), sequence(7))
	assert.NotEqual(t, sequence(7), sequence(8))
}

func TestSequentialOrderUnderConcurrency(t *testing.T) {
	names := []string{"register", "login", "create", "read"}
	b := NewTaskSet("Flow", Sequential)
	for _, n := range names {
		b.Add(noopTask(n), 1)
	}
	flow := b.MustBuild()

	const users = 50
	const passes = 20
	results := make([][]string, users)

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			uc := NewUserContext(u)
			for i := 0; i < passes*len(names); i++ {
				results[u] = append(results[u], flow.Resolve(uc).Task.Name())
			}
		}(u)
	}
	wg.Wait()

	for u, got := range results {
		for i, name := range got {
			require.Equal(t, names[i%len(names)], name, "user %d step %d", u, i)
		}
	}
}

func TestSequentialInitializerRunsEveryPass(t *testing.T) {
	flow := NewTaskSet("Flow", Sequential).
		Add(noopTask("one"), 1).
		Add(noopTask("two"), 1).
		OnStart(noopInit).
		MustBuild()

	uc := NewUserContext(1)
	var entered []int
	for i := 0; i < 6; i++ {
		if len(flow.Resolve(uc).Enter) > 0 {
			entered = append(entered, i)
		}
	}
	assert.Equal(t, []int{0, 2, 4}, entered)
}

func TestNestedSequentialKeepsControl(t *testing.T) {
	flow := NewTaskSet("Checkout", Sequential).
		Add(noopTask("cart"), 1).
		Add(noopTask("pay"), 1).
		Add(noopTask("confirm"), 1).
		OnStart(noopInit).
		MustBuild()
	root := NewTaskSet("Shopper", WeightedRandom).
		Add(flow, 1).
		Add(noopTask("browse"), 3).
		MustBuild()

	uc := NewUserContext(1, WithSeed(3))
	var got []Step
	for i := 0; i < 2000; i++ {
		got = append(got, root.Resolve(uc))
	}

	sawFlow := false
	for i := 0; i < len(got)-2; i++ {
		if got[i].Task.Name() != "cart" {
			continue
		}
		sawFlow = true
		require.Len(t, got[i].Enter, 1, "initializer runs before each pass")
		assert.Equal(t, "Checkout", got[i].Enter[0].Name())
		assert.Equal(t, "pay", got[i+1].Task.Name())
		assert.Equal(t, "confirm", got[i+2].Task.Name())
		assert.Empty(t, got[i+1].Enter)
	}
	assert.True(t, sawFlow)
}

func TestDeeplyNestedResolution(t *testing.T) {
	inner := NewTaskSet("Inner", Sequential).
		Add(noopTask("i1"), 1).
		Add(noopTask("i2"), 1).
		MustBuild()
	middle := NewTaskSet("Middle", Sequential).
		Add(noopTask("m1"), 1).
		Add(inner, 1).
		Add(noopTask("m2"), 1).
		MustBuild()
	root := NewTaskSet("Root", Sequential).
		Add(middle, 1).
		Add(noopTask("r"), 1).
		MustBuild()

	uc := NewUserContext(1)
	var got []string
	for i := 0; i < 12; i++ {
		got = append(got, root.Resolve(uc).Task.Name())
	}
	assert.Equal(t, []string{
		"m1", "i1", "i2", "m2", "r",
		"m1", "i1", "i2", "m2", "r",
		"m1", "i1",
	}, got)
}

func TestWeightedChildInsideSequentialCountsAsOneStep(t *testing.T) {
	pick := NewTaskSet("Pick", WeightedRandom).
		Add(noopTask("x"), 1).
		Add(noopTask("y"), 1).
		MustBuild()
	flow := NewTaskSet("Flow", Sequential).
		Add(noopTask("first"), 1).
		Add(pick, 1).
		Add(noopTask("last"), 1).
		MustBuild()

	uc := NewUserContext(1, WithSeed(11))
	for pass := 0; pass < 10; pass++ {
		assert.Equal(t, "first", flow.Resolve(uc).Task.Name())
		assert.Contains(t, []string{"x", "y"}, flow.Resolve(uc).Task.Name())
		assert.Equal(t, "last", flow.Resolve(uc).Task.Name())
	}
}

func TestResolveIsolatesUsers(t *testing.T) {
	flow := NewTaskSet("Flow", Sequential).
		Add(noopTask("a"), 1).
		Add(noopTask("b"), 1).
		MustBuild()

	u1 := NewUserContext(1)
	u2 := NewUserContext(2)

	assert.Equal(t, "a", flow.Resolve(u1).Task.Name())
	assert.Equal(t, "b", flow.Resolve(u1).Task.Name())
	assert.Equal(t, "a", flow.Resolve(u2).Task.Name(), "cursor is per user")
}

func TestChildrenReturnsCopy(t *testing.T) {
	ts := NewTaskSet("Root", WeightedRandom).Add(noopTask("a"), 2).MustBuild()
	children := ts.Children()
	children[0].Weight = 100

	assert.Equal(t, 2, ts.Children()[0].Weight)
	assert.Equal(t, 2, ts.TotalWeight())
	assert.Equal(t, fmt.Sprint(WeightedRandom), ts.Discipline().String())
}
