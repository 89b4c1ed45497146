package attrio

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintScan(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	err := Print(w,
		String("request", "resolve"),
		String("address", "user@example.com"),
		Number("flags", 4096),
	)
	require.NoError(t, err)
	assert.Equal(t, "request=resolve\naddress=user@example.com\nflags=4096\n\n", buf.String())

	var verb, addr string
	var flags uint32
	err = Scan(bufio.NewReader(&buf),
		WantString("request", &verb),
		WantString("address", &addr),
		WantNumber("flags", &flags),
	)
	require.NoError(t, err)
	assert.Equal(t, "resolve", verb)
	assert.Equal(t, "user@example.com", addr)
	assert.Equal(t, uint32(4096), flags)
}

func TestPrintScanEmptyValue(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, Print(w, String("nexthop", "")))

	var nexthop string
	require.NoError(t, Scan(bufio.NewReader(&buf), WantString("nexthop", &nexthop)))
	assert.Equal(t, "", nexthop)
}

func TestPrintRejectsBadInput(t *testing.T) {
	w := bufio.NewWriter(&bytes.Buffer{})

	err := Print(w, String("bad=name", "v"))
	assert.ErrorIs(t, err, ErrBadAttrName)

	err = Print(w, String("name", "line\nbreak"))
	assert.ErrorIs(t, err, ErrBadAttrValue)

	err = Print(w, String("name", strings.Repeat("x", MaxLineLen)))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestScanStrict(t *testing.T) {
	scanReply := func(frame string) error {
		var transport, nexthop string
		var flags uint32
		return Scan(bufio.NewReader(strings.NewReader(frame)),
			WantString("transport", &transport),
			WantString("nexthop", &nexthop),
			WantNumber("flags", &flags),
		)
	}

	// Terminator arrives before all attributes were seen.
	err := scanReply("transport=smtp\n\n")
	assert.ErrorIs(t, err, ErrMissingAttr)

	// Attribute out of order.
	err = scanReply("nexthop=mx\ntransport=smtp\nflags=0\n\n")
	assert.ErrorIs(t, err, ErrUnexpectedAttr)

	// Unknown attribute after the expected list.
	err = scanReply("transport=smtp\nnexthop=mx\nflags=0\nextra=1\n\n")
	assert.ErrorIs(t, err, ErrUnexpectedAttr)

	// Number that does not parse.
	err = scanReply("transport=smtp\nnexthop=mx\nflags=abc\n\n")
	assert.ErrorIs(t, err, ErrBadAttrValue)

	// Number out of 32 bit range.
	err = scanReply("transport=smtp\nnexthop=mx\nflags=4294967296\n\n")
	assert.ErrorIs(t, err, ErrBadAttrValue)

	// Line without separator.
	err = scanReply("transport\n")
	assert.ErrorIs(t, err, ErrBadAttrName)

	// Well formed.
	assert.NoError(t, scanReply("transport=smtp\nnexthop=mx\nflags=2\n\n"))
}

func TestScanValueMayContainSeparator(t *testing.T) {
	var v string
	err := Scan(bufio.NewReader(strings.NewReader("address=a=b@c\n\n")),
		WantString("address", &v))
	require.NoError(t, err)
	assert.Equal(t, "a=b@c", v)
}

// endlessReader yields the same byte forever, never a newline.
type endlessReader byte

func (e endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(e)
	}
	return len(p), nil
}

func TestScanBoundsOversizeLines(t *testing.T) {
	var v string

	// A stream with no newline at all must trip the length limit instead
	// of buffering without bound.
	err := Scan(bufio.NewReader(endlessReader('a')), WantString("address", &v))
	assert.ErrorIs(t, err, ErrLineTooLong)

	// Same for a properly terminated but oversized line.
	frame := "address=" + strings.Repeat("a", MaxLineLen) + "\n\n"
	err = Scan(bufio.NewReader(strings.NewReader(frame)), WantString("address", &v))
	assert.ErrorIs(t, err, ErrLineTooLong)

	// A line of exactly MaxLineLen bytes still passes.
	value := strings.Repeat("a", MaxLineLen-len("address="))
	frame = "address=" + value + "\n\n"
	err = Scan(bufio.NewReader(strings.NewReader(frame)), WantString("address", &v))
	require.NoError(t, err)
	assert.Equal(t, value, v)
}

func TestScanTruncatedStream(t *testing.T) {
	var v string
	err := Scan(bufio.NewReader(strings.NewReader("address=a@b")),
		WantString("address", &v))
	assert.Error(t, err)
}
