package envfile

import (
	"testing"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_InsertionOrder(t *testing.T) {
	text, err := Render([]domain.Binding{
		{Name: "TOKEN", Value: "abc"},
		{Name: "DB_URL", Value: "postgres://u:p@db:5432/app?sslmode=disable"},
		{Name: "EMPTY", Value: ""},
	})
	require.NoError(t, err)

	assert.Equal(t, "TOKEN=abc\nDB_URL=postgres://u:p@db:5432/app?sslmode=disable\nEMPTY=\n", text)
}

func TestRender_Empty(t *testing.T) {
	text, err := Render(nil)
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestRender_Deterministic(t *testing.T) {
	bindings := []domain.Binding{{Name: "A", Value: "1"}, {Name: "B", Value: "two words"}}

	first, err := Render(bindings)
	require.NoError(t, err)
	second, err := Render(bindings)
	require.NoError(t, err)

	assert.Equal(t, []byte(first), []byte(second))
}

func TestRender_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		binding domain.Binding
	}{
		{"newline", domain.Binding{Name: "A", Value: "x\ny"}},
		{"bad key", domain.Binding{Name: "1A", Value: "x"}},
		{"unterminated quote", domain.Binding{Name: "A", Value: `"abc`}},
		{"quoted value would be unquoted", domain.Binding{Name: "A", Value: `"abc"`}},
		{"interpolation", domain.Binding{Name: "A", Value: "pa$HOME"}},
		{"inline comment", domain.Binding{Name: "A", Value: "abc #comment"}},
		{"trailing space", domain.Binding{Name: "A", Value: "abc "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render([]domain.Binding{tt.binding})
			assert.ErrorIs(t, err, domain.ErrEnvInvalid)
		})
	}
}

func TestRender_DuplicateKey(t *testing.T) {
	_, err := Render([]domain.Binding{{Name: "A", Value: "1"}, {Name: "A", Value: "2"}})
	assert.ErrorIs(t, err, domain.ErrEnvInvalid)
	assert.ErrorIs(t, err, domain.ErrBindingKeyDuplicate)
}

func TestRender_ErrorDoesNotLeakValue(t *testing.T) {
	_, err := Render([]domain.Binding{{Name: "A", Value: "s3cr3t #x"}})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cr3t")
}

func TestMask(t *testing.T) {
	out := Mask([]domain.Binding{{Name: "TOKEN", Value: "abc"}, {Name: "EMPTY"}})
	assert.Equal(t, "TOKEN=********\nEMPTY=\n", out)
}
