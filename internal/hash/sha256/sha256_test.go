package sha256

import "testing"

func TestHasherHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHasherHashDistinguishesContent(t *testing.T) {
	t.Parallel()

	h := New()
	a, _ := h.Hash([]byte("By-law 2024-101"))
	b, _ := h.Hash([]byte("By-law 2024-102"))
	if a == b {
		t.Fatalf("expected different digests, both %s", a)
	}
}
