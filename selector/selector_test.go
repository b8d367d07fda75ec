package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKinds(t *testing.T) {
	cases := []struct {
		raw    string
		kind   Kind
		class  string
		method string
	}{
		{"gsub", Bare, "", "gsub"},
		{"String#gsub", Instance, "String", "gsub"},
		{"String.new", ClassMethod, "String", "new"},
		{"String#", AllInstance, "String", ""},
		{"String.", AllClass, "String", ""},
	}

	for _, c := range cases {
		sel, err := Parse(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.kind, sel.Kind, c.raw)
		assert.Equal(t, c.class, sel.Class, c.raw)
		assert.Equal(t, c.method, sel.Method, c.raw)
	}
}

func TestParseWithExprList(t *testing.T) {
	sel, err := Parse("Foo#bar(x, y)")
	require.NoError(t, err)
	assert.Equal(t, "Foo", sel.Class)
	assert.Equal(t, "bar", sel.Method)
	require.Len(t, sel.Exprs, 2)
	assert.Equal(t, "x", sel.Exprs[0])
	assert.Equal(t, "y", sel.Exprs[1])
}

func TestParseEmptySelectorFails(t *testing.T) {
	_, err := Parse("   ")
	require.ErrorIs(t, err, ErrInvalidSelector)
}

func TestParseMissingClassFails(t *testing.T) {
	_, err := Parse("#gsub")
	require.ErrorIs(t, err, ErrInvalidSelector)
}

func TestParseRejectsInvalidExpression(t *testing.T) {
	_, err := Parse("Foo#bar(x, (y)")
	require.ErrorIs(t, err, ErrInvalidExpression)
}

func TestValidateExpressionBalancing(t *testing.T) {
	require.NoError(t, ValidateExpression("foo(1, [2, 3])"))
	require.Error(t, ValidateExpression("foo(1"))
	require.Error(t, ValidateExpression("foo)1("))
	require.Error(t, ValidateExpression(`"unterminated`))
	require.NoError(t, ValidateExpression(`"a (b" + c`))
}

func TestPrepareExpressionSigilRule(t *testing.T) {
	assert.Equal(t, "@name", PrepareExpression("@name"))
	assert.Equal(t, " @name.upcase", PrepareExpression("@name.upcase"))
	assert.Equal(t, "x", PrepareExpression("x"))
}

func TestQualified(t *testing.T) {
	sel, err := Parse("String#gsub")
	require.NoError(t, err)
	assert.Equal(t, "String#gsub", sel.Qualified())

	sel, err = Parse("String.new")
	require.NoError(t, err)
	assert.Equal(t, "String.new", sel.Qualified())

	sel, err = Parse("gsub")
	require.NoError(t, err)
	assert.Equal(t, "gsub", sel.Qualified())
}
