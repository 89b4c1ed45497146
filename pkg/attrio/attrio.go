// Package attrio reads and writes framed attribute lists.
//
// A frame is a sequence of "name=value" lines followed by one empty line
// that terminates the frame. Values are strings or decimal 32 bit unsigned
// integers. The scanner is strict: attributes must arrive complete, in the
// requested order, with nothing extra before the terminator.
package attrio

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLineLen bounds a single attribute line, name and '=' included.
const MaxLineLen = 4096

var (
	ErrLineTooLong    = errors.New("attribute line too long")
	ErrMissingAttr    = errors.New("missing attribute")
	ErrUnexpectedAttr = errors.New("unexpected attribute")
	ErrBadAttrValue   = errors.New("malformed attribute value")
	ErrBadAttrName    = errors.New("malformed attribute name")
)

// Attr is a single named attribute to be printed.
type Attr struct {
	name  string
	value string
}

func String(name, value string) Attr {
	return Attr{name: name, value: value}
}

func Number(name string, value uint32) Attr {
	return Attr{name: name, value: strconv.FormatUint(uint64(value), 10)}
}

// Print writes one frame and flushes w. The send side of a request must be
// flushed before the peer can be expected to answer.
func Print(w *bufio.Writer, attrs ...Attr) error {
	for _, a := range attrs {
		if len(a.name) == 0 || strings.ContainsAny(a.name, "=\n") {
			return fmt.Errorf("%w: %q", ErrBadAttrName, a.name)
		}
		if strings.ContainsRune(a.value, '\n') {
			return fmt.Errorf("%w: attribute %s", ErrBadAttrValue, a.name)
		}
		if len(a.name)+1+len(a.value) > MaxLineLen {
			return fmt.Errorf("%w: attribute %s", ErrLineTooLong, a.name)
		}
		w.WriteString(a.name)
		w.WriteByte('=')
		w.WriteString(a.value)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	return w.Flush()
}

// Spec names one attribute the scanner must receive and where to store it.
type Spec struct {
	name string
	str  *string
	num  *uint32
}

func WantString(name string, dst *string) Spec {
	return Spec{name: name, str: dst}
}

func WantNumber(name string, dst *uint32) Spec {
	return Spec{name: name, num: dst}
}

// Scan reads one frame in strict mode. Every spec must be matched in order,
// and the frame terminator must follow the last spec immediately. On error
// the destinations may be partially written.
func Scan(r *bufio.Reader, specs ...Spec) error {
	for _, spec := range specs {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return fmt.Errorf("%w: want %s", ErrMissingAttr, spec.name)
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%w: no separator in %q", ErrBadAttrName, line)
		}
		if name != spec.name {
			return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedAttr, spec.name, name)
		}
		switch {
		case spec.str != nil:
			*spec.str = value
		case spec.num != nil:
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: attribute %s: %q", ErrBadAttrValue, name, value)
			}
			*spec.num = uint32(n)
		}
	}

	// Frame terminator.
	line, err := readLine(r)
	if err != nil {
		return err
	}
	if len(line) != 0 {
		name, _, _ := strings.Cut(line, "=")
		return fmt.Errorf("%w: %s after end of attribute list", ErrUnexpectedAttr, name)
	}
	return nil
}

// readLine reads up to the next newline without ever buffering more than
// MaxLineLen bytes, so an endless attribute line cannot grow memory.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineLen+1 {
			return "", ErrLineTooLong
		}
		switch err {
		case nil:
			return string(line[:len(line)-1]), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return "", err
		}
	}
}
