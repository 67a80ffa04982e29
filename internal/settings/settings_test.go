package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.True(t, d.AutoReflect)
	assert.Equal(t, 0.90, d.ReflectionSimilarityThreshold)
	assert.Equal(t, 30, d.ReflectionMinLength)
	assert.NoError(t, d.Validate())
}

func TestStore_Update(t *testing.T) {
	s, err := NewStore(Defaults())
	require.NoError(t, err)

	off := false
	threshold := 0.5
	got, err := s.Update(Patch{AutoReflect: &off, ReflectionSimilarityThreshold: &threshold})
	require.NoError(t, err)
	assert.False(t, got.AutoReflect)
	assert.Equal(t, 0.5, got.ReflectionSimilarityThreshold)
	assert.Equal(t, 30, got.ReflectionMinLength)
	assert.Equal(t, got, s.Current())
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	s, err := NewStore(Defaults())
	require.NoError(t, err)

	bad := 1.5
	_, err = s.Update(Patch{ReflectionSimilarityThreshold: &bad})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 0.90, s.Current().ReflectionSimilarityThreshold)

	neg := -1
	_, err = s.Update(Patch{ReflectionMinLength: &neg})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNewStore_RejectsInvalid(t *testing.T) {
	_, err := NewStore(Settings{ReflectionSimilarityThreshold: 2})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStatic(t *testing.T) {
	var p Provider = Static(Settings{Nudges: true})
	assert.True(t, p.Current().Nudges)
}
