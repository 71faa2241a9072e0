package palindrome

import (
	"errors"
	"testing"

	"github.com/e7canasta/loopgrid/internal/media"
)

type sliceSource []media.Frame

func (s sliceSource) Len() int { return len(s) }

func (s sliceSource) Read(i int) (media.Frame, error) {
	if i < 0 || i >= len(s) {
		return media.Frame{}, errors.New("out of range")
	}
	return s[i], nil
}

func source(n int) sliceSource {
	s := make(sliceSource, n)
	for i := range s {
		s[i] = media.Frame{Seq: uint64(i)}
	}
	return s
}

// expected builds the reference sequence by walking a bouncing cursor.
func expected(n, length int) []int {
	out := make([]int, 0, length)
	if n == 1 {
		for len(out) < length {
			out = append(out, 0)
		}
		return out
	}
	i, step := 0, 1
	for len(out) < length {
		out = append(out, i)
		if i+step < 0 || i+step > n-1 {
			step = -step
		}
		i += step
	}
	return out
}

func TestNew_EmptySequence(t *testing.T) {
	if _, err := New(source(0)); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("New(empty) error = %v, want ErrEmptySequence", err)
	}
	if _, err := New(nil); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("New(nil) error = %v, want ErrEmptySequence", err)
	}
}

func TestNext_PalindromeProperty(t *testing.T) {
	for n := 1; n <= 64; n++ {
		seq, err := New(source(n))
		if err != nil {
			t.Fatalf("N=%d: %v", n, err)
		}

		steps := 5*Period(n) + 3
		want := expected(n, steps)
		for k := 0; k < steps; k++ {
			f, err := seq.Next()
			if err != nil {
				t.Fatalf("N=%d step %d: %v", n, k, err)
			}
			if int(f.Seq) != want[k] {
				t.Fatalf("N=%d step %d: got %d, want %d", n, k, f.Seq, want[k])
			}
		}
	}
}

func TestNext_SixtyFrames(t *testing.T) {
	seq, _ := New(source(60))
	if Period(60) != 118 {
		t.Fatalf("Period(60) = %d, want 118", Period(60))
	}

	got := make([]int, 0, 236)
	for k := 0; k < 236; k++ {
		got = append(got, seq.NextIndex())
	}

	// First sweep 0..59, then 58..1
	for k := 0; k < 60; k++ {
		if got[k] != k {
			t.Fatalf("step %d = %d, want %d", k, got[k], k)
		}
	}
	for k := 60; k < 118; k++ {
		if got[k] != 118-k {
			t.Fatalf("step %d = %d, want %d", k, got[k], 118-k)
		}
	}
	// Periodic
	for k := 0; k < 118; k++ {
		if got[k] != got[k+118] {
			t.Fatalf("step %d and %d differ: %d vs %d", k, k+118, got[k], got[k+118])
		}
	}
}

func TestSingleFrame(t *testing.T) {
	seq, _ := New(source(1))
	for k := 0; k < 10; k++ {
		if i := seq.NextIndex(); i != 0 {
			t.Fatalf("step %d = %d, want 0", k, i)
		}
		if seq.Direction() != Forward {
			t.Fatalf("step %d direction = %v, want forward", k, seq.Direction())
		}
	}
}

func TestStep_Table(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		dir     Direction
		n       int
		wantIdx int
		wantDir Direction
	}{
		{"forward middle", 2, Forward, 5, 3, Forward},
		{"forward end bounces", 4, Forward, 5, 3, Reverse},
		{"reverse middle", 3, Reverse, 5, 2, Reverse},
		{"reverse start bounces", 0, Reverse, 5, 1, Forward},
		{"two frames forward", 1, Forward, 2, 0, Reverse},
		{"two frames reverse", 0, Reverse, 2, 1, Forward},
		{"single frame", 0, Forward, 1, 0, Forward},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, d := Step(tt.index, tt.dir, tt.n)
			if i != tt.wantIdx || d != tt.wantDir {
				t.Errorf("Step(%d, %v, %d) = (%d, %v), want (%d, %v)",
					tt.index, tt.dir, tt.n, i, d, tt.wantIdx, tt.wantDir)
			}
		})
	}
}

func TestIndexNeverLeavesRange(t *testing.T) {
	seq, _ := New(source(7))
	for k := 0; k < 1000; k++ {
		i := seq.NextIndex()
		if i < 0 || i > 6 {
			t.Fatalf("index %d out of range at step %d", i, k)
		}
	}
	if seq.Emitted() != 1000 {
		t.Errorf("Emitted() = %d, want 1000", seq.Emitted())
	}
}
