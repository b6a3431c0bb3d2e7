package ptymux

import "testing"

func TestRingBufferReadAllBeforeWrap(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("hello"))
	if got := string(rb.ReadAll()); got != "hello" {
		t.Errorf("ReadAll() = %q, want %q", got, "hello")
	}
}

func TestRingBufferWrapsAndKeepsTail(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("ab"))
	rb.Write([]byte("cdef")) // overall "abcdef", capacity 4 keeps "cdef"
	if got := string(rb.ReadAll()); got != "cdef" {
		t.Errorf("ReadAll() = %q, want %q", got, "cdef")
	}
}

func TestRingBufferOversizedWriteKeepsTail(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Write([]byte("abcdefgh"))
	if got := string(rb.ReadAll()); got != "fgh" {
		t.Errorf("ReadAll() = %q, want %q", got, "fgh")
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewRingBuffer(8)
	if got := rb.ReadAll(); got != nil {
		t.Errorf("ReadAll() on empty buffer = %v, want nil", got)
	}
}
