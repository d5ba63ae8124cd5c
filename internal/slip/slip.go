package slip

import (
	"errors"
	"fmt"
	"io"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrInvalidEscape is returned when 0xDB is followed by anything other
// than 0xDC or 0xDD inside a frame.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	return AppendEncode(make([]byte, 0, len(data)+10), data)
}

// AppendEncode appends the SLIP framing of data to dst and returns the
// extended buffer.
func AppendEncode(dst, data []byte) []byte {
	dst = append(dst, End)

	for _, b := range data {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}

	return append(dst, End)
}

// Decode extracts the payload from a complete SLIP frame.
// Leading and trailing END bytes are stripped, escapes are resolved.
func Decode(frame []byte) ([]byte, error) {
	start := 0
	end := len(frame)

	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))

	for i := 0; i < len(data); i++ {
		if data[i] != Esc {
			result = append(result, data[i])
			continue
		}
		if i+1 >= len(data) {
			return nil, ErrInvalidEscape
		}
		i++
		switch data[i] {
		case EscEnd:
			result = append(result, End)
		case EscEsc:
			result = append(result, Esc)
		default:
			return nil, fmt.Errorf("%w: 0xDB 0x%02X", ErrInvalidEscape, data[i])
		}
	}

	return result, nil
}

// Reader extracts frames from a byte stream, one blocking byte at a time.
type Reader struct {
	br io.ByteReader
}

// NewReader returns a Reader pulling bytes from br. The byte source is
// expected to block per read and fail with the transport's timeout error
// when the line goes quiet.
func NewReader(br io.ByteReader) *Reader {
	return &Reader{br: br}
}

// ReadFrame reads the next non-empty frame and returns its decoded payload.
// Bytes before the opening END are discarded; back-to-back END bytes
// (empty frames) are skipped.
func (r *Reader) ReadFrame() ([]byte, error) {
	// Hunt for a frame delimiter.
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == End {
			break
		}
	}

	var payload []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}

		switch b {
		case End:
			if len(payload) == 0 {
				// Empty frame or the closing END of the previous
				// one; keep hunting.
				continue
			}
			return payload, nil
		case Esc:
			next, err := r.br.ReadByte()
			if err != nil {
				return nil, err
			}
			switch next {
			case EscEnd:
				payload = append(payload, End)
			case EscEsc:
				payload = append(payload, Esc)
			default:
				return nil, fmt.Errorf("%w: 0xDB 0x%02X", ErrInvalidEscape, next)
			}
		default:
			payload = append(payload, b)
		}
	}
}
