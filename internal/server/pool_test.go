package server

import "testing"

func TestDatagramBuffer(t *testing.T) {
	t.Parallel()

	bp := GetDatagramBuffer()
	if len(*bp) != MaxDatagramSize {
		t.Fatalf("len = %d, want %d", len(*bp), MaxDatagramSize)
	}

	// Callers reslice to what they read; the pool hands back full length.
	*bp = (*bp)[:10]
	PutDatagramBuffer(bp)
	if len(*bp) != MaxDatagramSize {
		t.Fatalf("len after Put = %d, want %d", len(*bp), MaxDatagramSize)
	}

	short := make([]byte, 10)
	PutDatagramBuffer(&short)
	if len(short) != 10 {
		t.Fatal("undersized buffer was modified")
	}

	for range 4 {
		b := GetDatagramBuffer()
		if len(*b) != MaxDatagramSize {
			t.Fatalf("pool returned %d-byte buffer", len(*b))
		}
		PutDatagramBuffer(b)
	}
}
