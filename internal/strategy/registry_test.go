package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/model"
)

func noop(context.Context, model.Task) model.Result { return model.Result{} }

func TestRegistry_Register(t *testing.T) {
	r, err := NewRegistry(newFunc("b", 2, noop), newFunc("a", 1, noop))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	s, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, s.Tier())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	names := []string{}
	for _, s := range r.All() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"b", "a"}, names, "registration order preserved")
}

func TestRegistry_Rejects(t *testing.T) {
	r, err := NewRegistry(newFunc("a", 1, noop))
	require.NoError(t, err)

	err = r.Register(newFunc("a", 2, noop))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	assert.Error(t, r.Register(newFunc("zero", 0, noop)))
	assert.Error(t, r.Register(newFunc("", 1, noop)))
	assert.Error(t, r.Register(nil))

	_, err = NewRegistry(newFunc("x", 1, noop), newFunc("x", 1, noop))
	assert.Error(t, err)
}

func TestRegistry_Tiers(t *testing.T) {
	r, err := NewRegistry(
		newFunc("model", 3, noop),
		newFunc("text", 1, noop),
		newFunc("ocr", 2, noop),
		newFunc("text2", 1, noop),
	)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, r.Tiers())
	assert.Len(t, r.AtTier(1), 2)
	assert.Len(t, r.AtTier(4), 0)
}

func TestRegistry_Viable(t *testing.T) {
	docx := &funcStrategy{Base: NewBase("docx", 1, Specialization{Formats: []string{".docx"}}), fn: noop}
	model3 := newFunc("model", 3, noop)
	r, err := NewRegistry(docx, model3)
	require.NoError(t, err)

	pdf := model.Task{Source: "/in/a.pdf"}
	assert.True(t, r.Viable(pdf, 0))
	assert.False(t, r.Viable(pdf, 2), "only the docx strategy is under the ceiling")
	assert.True(t, r.Viable(model.Task{Source: "/in/a.docx"}, 1))

	empty, err := NewRegistry()
	require.NoError(t, err)
	assert.False(t, empty.Viable(pdf, 0))
}
