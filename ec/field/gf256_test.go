package field

import (
	"bytes"
	"errors"
	"testing"
)

func TestTables(t *testing.T) {
	if Exp(0) != 1 {
		t.Errorf("expected exp[0] = 1, got %d", Exp(0))
	}
	if Exp(8) != 0x1d {
		t.Errorf("expected exp[8] = 0x1d, got 0x%x", Exp(8))
	}
	// Every non-zero element appears exactly once in the first period
	seen := make(map[byte]bool)
	for i := 0; i < Order; i++ {
		x := Exp(i)
		if x == 0 {
			t.Fatalf("exp[%d] is zero", i)
		}
		if seen[x] {
			t.Fatalf("exp[%d] = %d repeats", i, x)
		}
		seen[x] = true
		if Log(x) != i {
			t.Errorf("log(exp(%d)) = %d", i, Log(x))
		}
	}
	for i := Order; i < 2*256; i++ {
		if Exp(i) != Exp(i-Order) {
			t.Errorf("exp table not duplicated at %d", i)
		}
	}
}

func TestMulDiv(t *testing.T) {
	tests := []struct {
		x, y, want byte
	}{
		{0, 7, 0},
		{7, 0, 0},
		{1, 0x53, 0x53},
		{3, 7, 9},
		{2, 0x80, 0x1d},
	}
	for _, tt := range tests {
		if got := Mul(tt.x, tt.y); got != tt.want {
			t.Errorf("Mul(%d, %d) = %d, want %d", tt.x, tt.y, got, tt.want)
		}
	}

	for x := 0; x < 256; x++ {
		for y := 1; y < 256; y++ {
			q, err := Div(byte(x), byte(y))
			if err != nil {
				t.Fatalf("Div(%d, %d) failed: %v", x, y, err)
			}
			if Mul(q, byte(y)) != byte(x) {
				t.Fatalf("Div(%d, %d) = %d does not invert Mul", x, y, q)
			}
		}
	}

	if _, err := Div(5, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := Inv(0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero for Inv(0), got %v", err)
	}
}

func TestPow(t *testing.T) {
	for x := 1; x < 256; x++ {
		acc := byte(1)
		for n := 0; n < 5; n++ {
			if got := Pow(byte(x), n); got != acc {
				t.Fatalf("Pow(%d, %d) = %d, want %d", x, n, got, acc)
			}
			acc = Mul(acc, byte(x))
		}
	}
	if Pow(0, 3) != 0 {
		t.Error("Pow(0, 3) should be zero")
	}
}

func TestPolyOps(t *testing.T) {
	t.Run("add aligns right", func(t *testing.T) {
		got := PolyAdd([]byte{1, 2, 3}, []byte{4, 5})
		want := []byte{1, 2 ^ 4, 3 ^ 5}
		if !bytes.Equal(got, want) {
			t.Errorf("PolyAdd = %v, want %v", got, want)
		}
	})

	t.Run("scale", func(t *testing.T) {
		got := PolyScale([]byte{1, 3, 0}, 7)
		want := []byte{7, 9, 0}
		if !bytes.Equal(got, want) {
			t.Errorf("PolyScale = %v, want %v", got, want)
		}
	})

	t.Run("mul", func(t *testing.T) {
		// (x + 1)(x + 1) = x^2 + 1 in characteristic 2
		got := PolyMul([]byte{1, 1}, []byte{1, 1})
		want := []byte{1, 0, 1}
		if !bytes.Equal(got, want) {
			t.Errorf("PolyMul = %v, want %v", got, want)
		}
	})

	t.Run("eval", func(t *testing.T) {
		p := []byte{3, 0, 5} // 3x^2 + 5
		for x := 0; x < 256; x++ {
			want := Mul(3, Mul(byte(x), byte(x))) ^ 5
			if got := PolyEval(p, byte(x)); got != want {
				t.Fatalf("PolyEval at %d = %d, want %d", x, got, want)
			}
		}
	})

	t.Run("eval of product", func(t *testing.T) {
		p := []byte{9, 4, 1}
		q := []byte{2, 200}
		pq := PolyMul(p, q)
		for x := 0; x < 256; x++ {
			want := Mul(PolyEval(p, byte(x)), PolyEval(q, byte(x)))
			if got := PolyEval(pq, byte(x)); got != want {
				t.Fatalf("product eval at %d = %d, want %d", x, got, want)
			}
		}
	})
}
