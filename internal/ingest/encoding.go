package ingest

import (
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names a character encoding the pipeline can decode.
type Encoding string

const (
	EncodingUTF8        Encoding = "utf-8"
	EncodingUTF16LE     Encoding = "utf-16le"
	EncodingUTF16BE     Encoding = "utf-16be"
	EncodingWindows1252 Encoding = "windows-1252"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Detection is the result of DetectEncoding.
type Detection struct {
	Encoding Encoding
	BOM      bool

	// Confident is false when the encoding was guessed. Callers log a
	// DecodeWarning in that case.
	Confident bool
}

// DetectEncoding inspects a prefix of a file and picks the encoding to
// decode it with. It never fails: anything that is neither UTF-16 nor valid
// UTF-8 is treated as Windows-1252.
func DetectEncoding(sample []byte) Detection {
	switch {
	case bytes.HasPrefix(sample, bomUTF8):
		return Detection{Encoding: EncodingUTF8, BOM: true, Confident: true}
	case bytes.HasPrefix(sample, bomUTF16LE):
		return Detection{Encoding: EncodingUTF16LE, BOM: true, Confident: true}
	case bytes.HasPrefix(sample, bomUTF16BE):
		return Detection{Encoding: EncodingUTF16BE, BOM: true, Confident: true}
	}

	if enc, ok := sniffUTF16(sample); ok {
		return Detection{Encoding: enc}
	}

	// The sample may end in the middle of a rune.
	body := sample[:len(sample)-incompleteTrailingBytes(sample)]
	if utf8.Valid(body) {
		return Detection{Encoding: EncodingUTF8, Confident: true}
	}

	return Detection{Encoding: EncodingWindows1252}
}

// sniffUTF16 looks for the NUL pattern ASCII text leaves in UTF-16 without a
// BOM: one byte of every pair is zero, always on the same side.
func sniffUTF16(sample []byte) (Encoding, bool) {
	pairs := len(sample) / 2
	if pairs < 2 {
		return "", false
	}

	var evenNUL, oddNUL int
	for i := 0; i+1 < len(sample); i += 2 {
		if sample[i] == 0 {
			evenNUL++
		}
		if sample[i+1] == 0 {
			oddNUL++
		}
	}

	const strong, weak = 0.4, 0.05
	switch {
	case float64(oddNUL) >= strong*float64(pairs) && float64(evenNUL) <= weak*float64(pairs):
		return EncodingUTF16LE, true
	case float64(evenNUL) >= strong*float64(pairs) && float64(oddNUL) <= weak*float64(pairs):
		return EncodingUTF16BE, true
	}
	return "", false
}

// decoder is the UTF-8 stream handed to the CSV reader, plus the number of
// bytes substituted on the way, when the decoder can count them.
type decoder struct {
	io.Reader
	sanitizer *utf8Sanitizer
}

func (d *decoder) Substituted() int64 {
	if d.sanitizer == nil {
		return 0
	}
	return d.sanitizer.Replaced()
}

// newDecoder wraps r, positioned at the start of the file, so that it yields
// UTF-8 for the detected encoding. Any BOM is consumed.
func newDecoder(r io.Reader, det Detection) *decoder {
	switch det.Encoding {
	case EncodingUTF16LE:
		return &decoder{Reader: transform.NewReader(r, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder())}
	case EncodingUTF16BE:
		return &decoder{Reader: transform.NewReader(r, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder())}
	case EncodingWindows1252:
		return &decoder{Reader: transform.NewReader(r, charmap.Windows1252.NewDecoder())}
	default:
		s := newUTF8Sanitizer(newBOMSkipper(r))
		return &decoder{Reader: s, sanitizer: s}
	}
}
