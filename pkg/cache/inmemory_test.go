package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFromCache(t *testing.T) {
	c := NewCache(time.Minute, time.Minute)
	c.Set("price", "29200.00", 0)
	c.Set("count", 3, 0)

	v, ok := GetFromCache[string](c, "price")
	assert.True(t, ok)
	assert.Equal(t, "29200.00", v)

	_, ok = GetFromCache[string](c, "count")
	assert.False(t, ok, "type mismatch is a miss")

	_, ok = GetFromCache[string](c, "missing")
	assert.False(t, ok)

	c.Delete("price")
	_, ok = c.Get("price")
	assert.False(t, ok)
}

func TestNewCache_Independent(t *testing.T) {
	a := NewCache(time.Minute, time.Minute)
	b := NewCache(time.Minute, time.Minute)
	a.Set("k", 1, 0)

	_, ok := b.Get("k")
	assert.False(t, ok)
}
