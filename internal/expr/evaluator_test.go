package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparisons(t *testing.T) {
	ctx := Context{"sum": 12.0, "name": "alice", "approved": true}

	cases := []struct {
		expr string
		want bool
	}{
		{"${sum} > 10", true},
		{"${sum} >= 12", true},
		{"${sum} < 10", false},
		{"${sum} == 12", true},
		{"${sum} != 12", false},
		{"sum > 10", true},
		{`name == "alice"`, true},
		{`name == 'bob'`, false},
		{"approved", true},
		{"approved and sum > 10", true},
		{"approved and sum > 100", false},
		{"sum > 100 or approved", true},
		{"not approved", false},
		{"missing", false},
		{"sum + 1 > 12.5", true},
		{"sum * 2 == 24", true},
		{"(sum - 2) / 2 == 5", true},
		{"sum % 5 == 2", true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, ctx)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateFunctions(t *testing.T) {
	ctx := Context{
		"items": []interface{}{1.0, 2.0, 3.0},
		"flags": []interface{}{true, true},
		"empty": []interface{}{},
	}

	got, err := Eval("len(items)", ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	got, err = Eval("sum(items)", ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)

	ok, err := Evaluate("all(flags)", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate("any(empty)", ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Eval("exec('rm -rf /')", ctx)
	assert.Error(t, err, "unknown functions must be rejected")
}

func TestEvaluateRejectsGarbage(t *testing.T) {
	for _, src := range []string{
		"import os",
		"a ~ b",
		"a == ",
	} {
		_, err := Eval(src, Context{})
		assert.Error(t, err, src)
	}
}

func TestDottedPathResolution(t *testing.T) {
	ctx := Context{
		"order": map[string]interface{}{
			"total": 42.0,
			"buyer": map[string]interface{}{"name": "bob"},
		},
	}
	ok, err := Evaluate("${order.total} > 40", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "bob", Interpolate("${order.buyer.name}", ctx))
	assert.Equal(t, "", Interpolate("${order.buyer.phone}", ctx))
}

func TestInterpolate(t *testing.T) {
	ctx := Context{"who": "world", "n": 3.0, "f": 2.5}
	assert.Equal(t, "hello world", Interpolate("hello ${who}", ctx))
	assert.Equal(t, "n=3 f=2.5", Interpolate("n=${n} f=${f}", ctx))
	assert.Equal(t, "x=", Interpolate("x=${missing}", ctx))
	assert.Equal(t, "plain", Interpolate("plain", ctx))
}

func TestRunScript(t *testing.T) {
	ctx := Context{"number1": 7.0, "number2": 5.0}
	v, err := RunScript("sum = number1 + number2\nsum", ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
	assert.Equal(t, 12.0, ctx["sum"])

	// Statements may also be separated by semicolons; comments are skipped.
	v, err = RunScript("# doubles\n a = 2; b = a * 3; b + 1", ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	_, err = RunScript("boom(", ctx)
	assert.Error(t, err)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy("approved"))
	assert.True(t, Truthy(1.0))
	assert.True(t, Truthy([]interface{}{1}))
}
