package util

import "testing"

func TestMin(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Fatalf("Min(3, 7) = %d, want 3", got)
	}
	if got := Min(7, 3); got != 3 {
		t.Fatalf("Min(7, 3) = %d, want 3", got)
	}
}

func TestMax(t *testing.T) {
	if got := Max(3, 7); got != 7 {
		t.Fatalf("Max(3, 7) = %d, want 7", got)
	}
	if got := Max(7, 3); got != 7 {
		t.Fatalf("Max(7, 3) = %d, want 7", got)
	}
}

func TestNextPow2(t *testing.T) {
	cases := []struct {
		in   uint
		want uint
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{5, 8},
		{1024, 1024},
		{1025, 2048},
	}
	for _, c := range cases {
		if got := NextPow2(c.in); got != c.want {
			t.Fatalf("NextPow2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
