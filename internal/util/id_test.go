package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixesAndIsUnique(t *testing.T) {
	a := NewID("rev")
	b := NewID("rev")
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !strings.HasPrefix(a, "rev_") || len(a) != len("rev_")+32 {
		t.Fatalf("unexpected id %q", a)
	}
	if strings.Contains(NewID(""), "-") {
		t.Fatal("ids must not contain dashes")
	}
}
