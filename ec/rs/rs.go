package rs

import (
	"errors"
	"fmt"

	"github.com/ppopth/qrstream/ec/field"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rs")

// MaxCodewordLength is the longest codeword GF(2^8) supports
const MaxCodewordLength = field.Order

var (
	ErrMessageTooLong         = errors.New("rs: message too long")
	ErrTooManyErasures        = errors.New("rs: too many erasures to correct")
	ErrUncorrectableErrors    = errors.New("rs: too many errors to correct")
	ErrCouldNotLocateErrors   = errors.New("rs: could not locate errors")
	ErrCouldNotCorrectMessage = errors.New("rs: could not correct message")
)

// Codec is a systematic Reed-Solomon codec over GF(2^8) with a fixed number
// of parity symbols. The generator polynomial has roots Generator^0 .. Generator^(nsym-1).
type Codec struct {
	nsym int
	gen  []byte
}

// NewCodec creates a codec producing nsym parity symbols per codeword
func NewCodec(nsym int) (*Codec, error) {
	if nsym < 0 || nsym >= MaxCodewordLength {
		return nil, fmt.Errorf("rs: parity symbol count %d out of range [0, %d)", nsym, MaxCodewordLength)
	}
	return &Codec{
		nsym: nsym,
		gen:  generatorPoly(nsym),
	}, nil
}

// NSym returns the number of parity symbols per codeword
func (c *Codec) NSym() int {
	return c.nsym
}

// generatorPoly returns Π (x - Generator^i) for i in [0, nsym)
func generatorPoly(nsym int) []byte {
	g := []byte{1}
	for i := 0; i < nsym; i++ {
		g = field.PolyMul(g, []byte{1, field.Exp(i)})
	}
	return g
}

// EncodeMsg returns msg followed by its nsym parity symbols
func (c *Codec) EncodeMsg(msg []byte) ([]byte, error) {
	if len(msg)+c.nsym > MaxCodewordLength {
		return nil, fmt.Errorf("%w: %d data + %d parity symbols exceed %d",
			ErrMessageTooLong, len(msg), c.nsym, MaxCodewordLength)
	}

	out := make([]byte, len(msg)+c.nsym)
	copy(out, msg)

	// Synthetic division by the generator; what remains in the tail is the parity
	for i := 0; i < len(msg); i++ {
		coef := out[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(c.gen); j++ {
			out[i+j] ^= field.Mul(c.gen[j], coef)
		}
	}

	copy(out, msg)
	return out, nil
}

// Syndromes evaluates the received polynomial at Generator^i for i in [0, nsym)
func (c *Codec) Syndromes(msg []byte) []byte {
	synd := make([]byte, c.nsym)
	for i := range synd {
		synd[i] = field.PolyEval(msg, field.Exp(i))
	}
	return synd
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// CorrectMsg decodes one codeword and returns its data symbols.
// erased marks symbols known to be missing; it may be nil, otherwise it must
// be as long as msg. Erased positions are treated as zero. The input is not modified.
func (c *Codec) CorrectMsg(msg []byte, erased []bool) ([]byte, error) {
	if len(msg) > MaxCodewordLength {
		return nil, fmt.Errorf("%w: codeword of %d symbols", ErrMessageTooLong, len(msg))
	}
	if len(msg) < c.nsym {
		return nil, fmt.Errorf("rs: codeword of %d symbols is shorter than %d parity symbols", len(msg), c.nsym)
	}
	if erased != nil && len(erased) != len(msg) {
		return nil, fmt.Errorf("rs: erasure mask length %d does not match codeword length %d", len(erased), len(msg))
	}

	out := make([]byte, len(msg))
	copy(out, msg)

	var erasePos []int
	for i, e := range erased {
		if e {
			out[i] = 0
			erasePos = append(erasePos, i)
		}
	}
	if len(erasePos) > c.nsym {
		return nil, fmt.Errorf("%w: %d erasures, %d parity symbols", ErrTooManyErasures, len(erasePos), c.nsym)
	}

	synd := c.Syndromes(out)
	if allZero(synd) {
		return out[:len(out)-c.nsym], nil
	}

	fsynd := forneySyndromes(synd, erasePos, len(out))
	errPos, err := findErrors(fsynd, len(out))
	if err != nil {
		return nil, err
	}
	if len(errPos) > 0 {
		log.Debugf("located %d errors beside %d erasures", len(errPos), len(erasePos))
	}

	if err := correctErrata(out, synd, append(erasePos, errPos...)); err != nil {
		return nil, err
	}

	if !allZero(c.Syndromes(out)) {
		return nil, ErrCouldNotCorrectMessage
	}
	return out[:len(out)-c.nsym], nil
}

// forneySyndromes folds the known erasure positions out of the syndromes so
// that only unknown errors remain to be located
func forneySyndromes(synd []byte, pos []int, nmess int) []byte {
	fsynd := make([]byte, len(synd))
	copy(fsynd, synd)

	for _, p := range pos {
		x := field.Exp(nmess - 1 - p)
		for j := 0; j < len(fsynd)-1; j++ {
			fsynd[j] = field.Mul(fsynd[j], x) ^ fsynd[j+1]
		}
		fsynd = fsynd[:len(fsynd)-1]
	}
	return fsynd
}

// findErrors runs Berlekamp-Massey on the syndromes and returns the positions
// of the located errors by brute-force root search of the error locator
func findErrors(synd []byte, nmess int) ([]int, error) {
	errPoly := []byte{1}
	oldPoly := []byte{1}

	for i := 0; i < len(synd); i++ {
		oldPoly = append(oldPoly, 0)
		delta := synd[i]
		for j := 1; j < len(errPoly) && i-j >= 0; j++ {
			delta ^= field.Mul(errPoly[len(errPoly)-1-j], synd[i-j])
		}

		if delta != 0 {
			if len(oldPoly) > len(errPoly) {
				inv, err := field.Inv(delta)
				if err != nil {
					return nil, err
				}
				newPoly := field.PolyScale(oldPoly, delta)
				oldPoly = field.PolyScale(errPoly, inv)
				errPoly = newPoly
			}
			errPoly = field.PolyAdd(errPoly, field.PolyScale(oldPoly, delta))
		}
	}

	for len(errPoly) > 1 && errPoly[0] == 0 {
		errPoly = errPoly[1:]
	}

	errs := len(errPoly) - 1
	if errs*2 > len(synd) {
		return nil, fmt.Errorf("%w: %d errors, %d usable syndromes", ErrUncorrectableErrors, errs, len(synd))
	}

	var errPos []int
	for i := 0; i < nmess; i++ {
		if field.PolyEval(errPoly, field.Exp(field.Order-i)) == 0 {
			errPos = append(errPos, nmess-1-i)
		}
	}
	if len(errPos) != errs {
		return nil, fmt.Errorf("%w: expected %d roots, found %d", ErrCouldNotLocateErrors, errs, len(errPos))
	}
	return errPos, nil
}

// correctErrata applies Forney's algorithm for the given error and erasure
// positions and fixes msg in place
func correctErrata(msg []byte, synd []byte, pos []int) error {
	if len(pos) == 0 {
		return nil
	}

	// Errata locator
	q := []byte{1}
	for _, p := range pos {
		q = field.PolyMul(q, []byte{field.Exp(len(msg) - 1 - p), 1})
	}

	// Errata evaluator
	p := make([]byte, len(pos))
	for i := range p {
		p[i] = synd[len(pos)-1-i]
	}
	p = field.PolyMul(p, q)
	p = p[len(p)-len(pos):]

	// Formal derivative of the locator keeps only the odd terms
	var qprime []byte
	for i := len(q) & 1; i < len(q); i += 2 {
		qprime = append(qprime, q[i])
	}

	for _, pi := range pos {
		x := field.Exp(pi + 256 - len(msg))
		y := field.PolyEval(p, x)
		z := field.PolyEval(qprime, field.Mul(x, x))
		magnitude, err := field.Div(y, field.Mul(x, z))
		if err != nil {
			return fmt.Errorf("rs: forney magnitude at position %d: %w", pi, err)
		}
		msg[pi] ^= magnitude
	}
	return nil
}

// Encode splits data into blocks of 255-nsym symbols and encodes each one,
// returning the concatenated codewords
func (c *Codec) Encode(data []byte) ([]byte, error) {
	blockSize := MaxCodewordLength - c.nsym
	out := make([]byte, 0, len(data)+(len(data)/blockSize+1)*c.nsym)
	for i := 0; i < len(data); i += blockSize {
		end := min(i+blockSize, len(data))
		enc, err := c.EncodeMsg(data[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// Decode splits received into codewords of at most 255 symbols and corrects
// each one, returning the concatenated data symbols. erased may be nil.
func (c *Codec) Decode(received []byte, erased []bool) ([]byte, error) {
	if erased != nil && len(erased) != len(received) {
		return nil, fmt.Errorf("rs: erasure mask length %d does not match input length %d", len(erased), len(received))
	}

	var out []byte
	for i := 0; i < len(received); i += MaxCodewordLength {
		end := min(i+MaxCodewordLength, len(received))
		var mask []bool
		if erased != nil {
			mask = erased[i:end]
		}
		dec, err := c.CorrectMsg(received[i:end], mask)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i/MaxCodewordLength, err)
		}
		out = append(out, dec...)
	}
	return out, nil
}
