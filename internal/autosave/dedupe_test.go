package autosave

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCache_AdmitWithinTTL(t *testing.T) {
	c := NewDedupeCache(30*time.Second, 0)
	t0 := time.Unix(1000, 0)

	assert.True(t, c.Admit("k", t0))
	assert.False(t, c.Admit("k", t0.Add(10*time.Second)))
	assert.False(t, c.Admit("k", t0.Add(29*time.Second)), "rejections do not extend the window")
	assert.True(t, c.Admit("k", t0.Add(30*time.Second)))
	assert.True(t, c.Admit("other", t0))
}

func TestDedupeCache_Sweep(t *testing.T) {
	c := NewDedupeCache(10*time.Second, 0)
	t0 := time.Unix(1000, 0)

	c.Admit("old-1", t0)
	c.Admit("old-2", t0.Add(time.Second))
	c.Admit("fresh", t0.Add(9*time.Second))

	assert.Equal(t, 2, c.Sweep(t0.Add(12*time.Second)))
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Admit("fresh", t0.Add(12*time.Second)))
}

func TestDedupeCache_SizeCap(t *testing.T) {
	c := NewDedupeCache(time.Hour, 3)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		c.Admit(fmt.Sprintf("k%d", i), t0.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Admit("k0", t0.Add(time.Second)), "evicted keys are admitted again")
	assert.False(t, c.Admit("k9", t0.Add(time.Second)))
}

func TestDedupeCache_ForgetScope(t *testing.T) {
	c := NewDedupeCache(time.Hour, 0)
	t0 := time.Unix(1000, 0)

	c.AdmitScoped("journal/e1", "a", t0)
	c.AdmitScoped("journal/e1", "b", t0)
	c.AdmitScoped("journal/e2", "c", t0)

	assert.Equal(t, 2, c.ForgetScope("journal/e1"))
	assert.Equal(t, 0, c.ForgetScope("journal/e1"))
	assert.True(t, c.AdmitScoped("journal/e1", "a", t0.Add(time.Second)))
	assert.False(t, c.AdmitScoped("journal/e2", "c", t0.Add(time.Second)))
}
