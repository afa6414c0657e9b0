package hash

import (
	"strings"
	"testing"
)

func TestDigestDeterministic(t *testing.T) {
	h, err := New(DefaultPrefixLen)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("some audio bytes")
	d1 := h.Digest(content)
	d2 := h.Digest(content)
	if d1 != d2 {
		t.Errorf("digest not deterministic: %s != %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d1))
	}
}

func TestDigestDistinguishesContent(t *testing.T) {
	h, _ := New(DefaultPrefixLen)
	d1 := h.Digest([]byte("clip one"))
	d2 := h.Digest([]byte("clip two"))
	if d1 == d2 {
		t.Errorf("different content produced same digest: %s", d1)
	}
}

func TestKeyIsDigestPrefix(t *testing.T) {
	h, _ := New(8)
	digest := h.Digest([]byte("payload"))
	key := h.Key(digest)
	if len(key) != 8 {
		t.Errorf("expected key length 8, got %d", len(key))
	}
	if !strings.HasPrefix(digest, key) {
		t.Errorf("key %s is not a prefix of digest %s", key, digest)
	}
}

func TestKeyShortDigestPassthrough(t *testing.T) {
	h, _ := New(8)
	if got := h.Key("abcd"); got != "abcd" {
		t.Errorf("expected passthrough for short digest, got %s", got)
	}
}

func TestNewRejectsBadPrefix(t *testing.T) {
	for _, n := range []int{0, 3, 65, -1} {
		if _, err := New(n); err == nil {
			t.Errorf("expected error for prefix length %d", n)
		}
	}
	if _, err := New(64); err != nil {
		t.Errorf("full digest length should be allowed: %v", err)
	}
}
