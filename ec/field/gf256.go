package field

import "errors"

// GF(2^8) arithmetic over the polynomial x^8 + x^4 + x^3 + x^2 + 1.
// Polynomials are big-endian coefficient slices: index 0 holds the highest degree.

const (
	// Polynomial is the reduction polynomial x^8 + x^4 + x^3 + x^2 + 1
	Polynomial = 0x11d
	// Order is the size of the multiplicative group (2^8 - 1)
	Order = 255
	// Generator is the primitive element used to build the tables
	Generator = 0x02
)

var ErrDivisionByZero = errors.New("field: division by zero")

var (
	// expTable[i] = Generator^i, duplicated past Order so that
	// expTable[log(a)+log(b)] never needs a modulo
	expTable [2 * 256]byte
	// logTable[expTable[i]] = i for i in [0, Order); logTable[0] is unused
	logTable [256]int
)

func init() {
	x := 1
	for i := 0; i < Order; i++ {
		expTable[i] = byte(x)
		logTable[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= Polynomial
		}
	}
	for i := Order; i < len(expTable); i++ {
		expTable[i] = expTable[i-Order]
	}
}

// Exp returns Generator^i. The exponent may be any value in [0, 2*256).
func Exp(i int) byte {
	return expTable[i]
}

// Log returns the discrete logarithm of x. Log(0) is undefined and returns 0.
func Log(x byte) int {
	return logTable[x]
}

// Add returns x + y (XOR in characteristic 2)
func Add(x, y byte) byte {
	return x ^ y
}

// Mul returns x * y
func Mul(x, y byte) byte {
	if x == 0 || y == 0 {
		return 0
	}
	return expTable[logTable[x]+logTable[y]]
}

// Div returns x / y
func Div(x, y byte) (byte, error) {
	if y == 0 {
		return 0, ErrDivisionByZero
	}
	if x == 0 {
		return 0, nil
	}
	return expTable[logTable[x]+Order-logTable[y]], nil
}

// Inv returns the multiplicative inverse of x
func Inv(x byte) (byte, error) {
	return Div(1, x)
}

// Pow returns x^n for n >= 0
func Pow(x byte, n int) byte {
	if n == 0 {
		return 1
	}
	if x == 0 {
		return 0
	}
	return expTable[(logTable[x]*n)%Order]
}

// PolyScale multiplies every coefficient of p by x
func PolyScale(p []byte, x byte) []byte {
	r := make([]byte, len(p))
	for i, c := range p {
		r[i] = Mul(c, x)
	}
	return r
}

// PolyAdd returns p + q, right-aligning the shorter polynomial
func PolyAdd(p, q []byte) []byte {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	r := make([]byte, n)
	copy(r[n-len(p):], p)
	for i, c := range q {
		r[i+n-len(q)] ^= c
	}
	return r
}

// PolyMul returns the product of p and q
func PolyMul(p, q []byte) []byte {
	if len(p) == 0 || len(q) == 0 {
		return nil
	}
	r := make([]byte, len(p)+len(q)-1)
	for j, qc := range q {
		for i, pc := range p {
			r[i+j] ^= Mul(pc, qc)
		}
	}
	return r
}

// PolyEval evaluates p at x using Horner's method
func PolyEval(p []byte, x byte) byte {
	if len(p) == 0 {
		return 0
	}
	y := p[0]
	for i := 1; i < len(p); i++ {
		y = Mul(y, x) ^ p[i]
	}
	return y
}
