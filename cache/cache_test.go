package cache

import (
	"testing"

	"github.com/plantops/qhist/config"
)

func TestCacheSetGetRemove(t *testing.T) {
	c := New()

	if _, ok := c.Get("P1", "D100"); ok {
		t.Fatal("empty cache returned a hit")
	}

	c.Set("P1", "D100", "42")
	e, ok := c.Get("P1", "D100")
	if !ok || e.LastValue != "42" {
		t.Fatalf("get = (%+v, %v), want value 42", e, ok)
	}
	if e.LastUpdated.IsZero() {
		t.Error("LastUpdated not set")
	}

	c.Set("P1", "D100", "43")
	if e, _ := c.Get("P1", "D100"); e.LastValue != "43" {
		t.Errorf("overwrite failed: %+v", e)
	}

	c.Remove("P1", "D100")
	if _, ok := c.Get("P1", "D100"); ok {
		t.Error("get after remove returned a hit")
	}
}

func TestCacheKeysArePerPair(t *testing.T) {
	c := New()
	c.Set("P1", "D100", "1")
	c.Set("P2", "D100", "2")

	if e, _ := c.Get("P1", "D100"); e.LastValue != "1" {
		t.Errorf("P1:D100 = %q", e.LastValue)
	}
	if e, _ := c.Get("P2", "D100"); e.LastValue != "2" {
		t.Errorf("P2:D100 = %q", e.LastValue)
	}
	if c.Size() != 2 {
		t.Errorf("size = %d, want 2", c.Size())
	}
}

func TestCacheLoadSnapshot(t *testing.T) {
	c := New()
	n := c.LoadSnapshot([]config.Tag{
		{PLCCode: "P1", Address: "D100", LastValue: "5"},
		{PLCCode: "P1", Address: "D101"}, // no stored value, skipped
		{PLCCode: "P2", Address: "W200", LastValue: "0"},
	})
	if n != 2 {
		t.Fatalf("loaded %d entries, want 2", n)
	}
	if e, ok := c.Get("P1", "D100"); !ok || e.LastValue != "5" {
		t.Errorf("P1:D100 = (%+v, %v)", e, ok)
	}
	if _, ok := c.Get("P1", "D101"); ok {
		t.Error("tag without last value was seeded")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size after clear = %d", c.Size())
	}
}
