package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFilter_DocumentID(t *testing.T) {
	args := []any{"existing"}
	clause, err := compileFilter(ByDocumentID("mat-1"), &args)

	require.NoError(t, err)
	assert.Equal(t, "material_id = $2", clause)
	require.Len(t, args, 2)
	assert.Equal(t, "mat-1", args[1])
}

func TestCompileFilter_DocumentIDSet(t *testing.T) {
	var args []any
	clause, err := compileFilter(ByDocumentIDSet([]string{"a", "b"}), &args)

	require.NoError(t, err)
	assert.Equal(t, "material_id = ANY($1)", clause)
	assert.Len(t, args, 1)
}

func TestCompileFilter_EmptySetMatchesNothing(t *testing.T) {
	var args []any
	clause, err := compileFilter(ByDocumentIDSet(nil), &args)

	require.NoError(t, err)
	assert.Equal(t, "FALSE", clause)
	assert.Empty(t, args)
}

func TestCompileFilter_And(t *testing.T) {
	var args []any
	f := And(ByDocumentID("mat-1"), ByDocumentIDSet([]string{"mat-2"}))
	clause, err := compileFilter(f, &args)

	require.NoError(t, err)
	assert.Equal(t, "(material_id = $1 AND material_id = ANY($2))", clause)
	assert.Len(t, args, 2)
}

func TestCompileFilter_NestedAnd(t *testing.T) {
	var args []any
	f := And(And(ByDocumentID("a"), ByDocumentID("b")), ByDocumentID("c"))
	clause, err := compileFilter(f, &args)

	require.NoError(t, err)
	assert.Equal(t, "((material_id = $1 AND material_id = $2) AND material_id = $3)", clause)
	assert.Len(t, args, 3)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "plain", escapeLike("plain"))
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `snake\_case`, escapeLike("snake_case"))
	assert.Equal(t, `back\\slash`, escapeLike(`back\slash`))
}
