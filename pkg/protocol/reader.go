package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxFrameSize bounds a single frame read from a stream
const DefaultMaxFrameSize = 64 * 1024

// FrameReader reads frames delimited by their own size field. It is used by
// peers that receive unterminated frames back to back on a stream.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. maxSize <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br, maxSize: maxSize}
}

// ReadFrame returns the next raw frame string. Line terminators between
// frames are skipped.
func (fr *FrameReader) ReadFrame() (string, error) {
	for {
		b, err := fr.r.Peek(1)
		if err != nil {
			return "", err
		}
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		if _, err := fr.r.Discard(1); err != nil {
			return "", err
		}
	}

	sizeField := make([]byte, sizeWidth)
	if _, err := io.ReadFull(fr.r, sizeField); err != nil {
		return "", err
	}
	size, err := strconv.ParseUint(string(sizeField), 16, 32)
	if err != nil {
		return "", fmt.Errorf("%w: size field %q", ErrFrameDecode, sizeField)
	}
	if size < HeaderSize || size > uint64(fr.maxSize) {
		return "", fmt.Errorf("%w: frame size %d outside [%d, %d]", ErrFrameDecode, size, HeaderSize, fr.maxSize)
	}

	buf := make([]byte, size)
	copy(buf, sizeField)
	if _, err := io.ReadFull(fr.r, buf[sizeWidth:]); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SplitFrames splits a chunk holding several concatenated frames using each
// frame's size field. The remainder that does not form a whole frame is returned
// as rest so the caller can prepend it to the next chunk.
func SplitFrames(chunk string) (frames []string, rest string, err error) {
	rest = strings.TrimLeft(chunk, "\r\n")
	for len(rest) >= sizeWidth {
		size, perr := strconv.ParseUint(rest[:sizeWidth], 16, 32)
		if perr != nil || size < HeaderSize {
			return frames, rest, fmt.Errorf("%w: size field %q", ErrFrameDecode, rest[:sizeWidth])
		}
		if uint64(len(rest)) < size {
			break
		}
		frames = append(frames, rest[:size])
		rest = strings.TrimLeft(rest[size:], "\r\n")
	}
	return frames, rest, nil
}

// NewLineScanner returns a scanner yielding one frame per line. CR and LF are
// stripped and lines longer than maxSize make Scan fail with bufio.ErrTooLong.
func NewLineScanner(r io.Reader, maxSize int) *bufio.Scanner {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	// the scanner limit is the larger of maxSize and the initial capacity
	initial := 4096
	if maxSize < initial {
		initial = maxSize
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initial), maxSize)
	s.Split(bufio.ScanLines)
	return s
}
