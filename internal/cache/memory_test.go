package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemory_ImplementsLocal(_ *testing.T) {
	var _ Local = (*Memory)(nil)
}

func TestMemory_SetAndGet(t *testing.T) {
	c := NewMemory()
	c.Set("translation:1:question_text:de", "Was ist ein Protokoll?")

	got, ok := c.Get("translation:1:question_text:de")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != "Was ist ein Protokoll?" {
		t.Errorf("unexpected value %q", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	c := NewMemory()
	if _, ok := c.Get("missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestMemory_EmptyValueIsAHit(t *testing.T) {
	c := NewMemory()
	c.Set("k", "")
	if _, ok := c.Get("k"); !ok {
		t.Error("expected stored empty value to be a hit")
	}
}

func TestMemory_Update(t *testing.T) {
	c := NewMemory()
	c.Set("key1", "old")
	c.Set("key1", "new")

	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "new" {
		t.Errorf("expected new, got %s", got)
	}
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
}

func TestMemory_NoEviction(t *testing.T) {
	c := NewMemory()
	for i := 0; i < 10000; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}
	if c.Len() != 10000 {
		t.Fatalf("expected all 10000 entries retained, got %d", c.Len())
	}
	if _, ok := c.Get("k0"); !ok {
		t.Error("expected first entry to survive")
	}
}

func TestMemory_Delete(t *testing.T) {
	c := NewMemory()
	c.Set("key1", "v")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Error("expected miss after delete")
	}
	if c.Len() != 0 {
		t.Errorf("expected len 0, got %d", c.Len())
	}
}

func TestMemory_Clear(t *testing.T) {
	c := NewMemory()
	c.Set("a", "1")
	c.Set("b", "2")
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected len 0 after clear, got %d", c.Len())
	}
}

func TestMemory_Concurrent(_ *testing.T) {
	c := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			c.Set(key, key)
			c.Get(key)
			c.Len()
		}(i)
	}
	wg.Wait()
}
