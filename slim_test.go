package slim_test

import (
	"testing"

	slim "github.com/SamJakob/SLIM"
)

// The chunk geometry constants must stay self-consistent; the wire format
// depends on them.
func TestChunkGeometry(t *testing.T) {
	if slim.MaxChunkBodySize != slim.MaxChunkSize-slim.ChunkHeaderSize {
		t.Fatalf("MaxChunkBodySize (%d) != MaxChunkSize (%d) - ChunkHeaderSize (%d)",
			slim.MaxChunkBodySize, slim.MaxChunkSize, slim.ChunkHeaderSize)
	}
	if slim.MaxChunkBodySize != 980 {
		t.Fatal("MaxChunkBodySize must be 980, found", slim.MaxChunkBodySize)
	}
}

func TestSnowflake(t *testing.T) {
	t.Run("uniqueness", func(t *testing.T) {
		a, b := slim.NewSnowflake(), slim.NewSnowflake()
		if a == b {
			t.Fatal("two fresh snowflakes collided:", a)
		}
	})
	t.Run("from bytes", func(t *testing.T) {
		src := slim.NewSnowflake()
		got, err := slim.SnowflakeFromBytes(src[:])
		if err != nil {
			t.Fatal(err)
		}
		if got != src {
			t.Fatal("round trip through bytes changed the snowflake")
		}
	})
	t.Run("too short", func(t *testing.T) {
		if _, err := slim.SnowflakeFromBytes(make([]byte, 15)); err == nil {
			t.Fatal("expected an error for a short snowflake")
		}
	})
	t.Run("string is 32 hex chars", func(t *testing.T) {
		if got := len(slim.NewSnowflake().String()); got != 32 {
			t.Fatal("bad string length:", got)
		}
	})
}
