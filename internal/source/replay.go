package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/algorand/go-codec/codec"
)

const maxLine = 16 << 20

// Reader yields envelopes from a JSON-lines or msgpack stream.
type Reader struct {
	handle  codec.Handle
	lines   *bufio.Scanner
	stream  *codec.Decoder
	lineNum int
	broken  bool
}

func NewReader(r io.Reader, encoding string) (*Reader, error) {
	h, err := NewHandle(encoding)
	if err != nil {
		return nil, err
	}
	rd := &Reader{handle: h}
	if strings.EqualFold(encoding, EncodingMsgpack) {
		rd.stream = codec.NewDecoder(bufio.NewReader(r), h)
		return rd, nil
	}
	rd.lines = bufio.NewScanner(r)
	rd.lines.Buffer(make([]byte, 64*1024), maxLine)
	return rd, nil
}

// Next returns the next envelope, or io.EOF at the end of input.
func (r *Reader) Next() (Envelope, error) {
	var env Envelope
	if r.stream != nil {
		if err := r.stream.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return env, io.EOF
			}
			return env, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}

	for r.lines.Scan() {
		r.lineNum++
		line := bytes.TrimSpace(r.lines.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := decode(r.handle, line, &env); err != nil {
			return env, fmt.Errorf("line %d: decode envelope: %w", r.lineNum, err)
		}
		return env, nil
	}
	if err := r.lines.Err(); err != nil {
		r.broken = true
		return env, fmt.Errorf("read events: %w", err)
	}
	return env, io.EOF
}

// Replay feeds every envelope in r to h. Malformed msgpack input stops the
// replay; malformed JSON lines and envelopes are logged and skipped.
func Replay(ctx context.Context, r io.Reader, encoding string, h Handler, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rd, err := NewReader(r, encoding)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		env, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			if rd.stream != nil || rd.broken {
				return delivered, err
			}
			logger.Warn("skipping malformed event", "error", err)
			continue
		}
		if err := Dispatch(h, env); err != nil {
			logger.Warn("skipping event", "stream", env.Stream, "error", err)
			continue
		}
		delivered++
	}
}

// Writer appends envelopes in the reader's format.
type Writer struct {
	w      io.Writer
	handle codec.Handle
	lines  bool
}

func NewWriter(w io.Writer, encoding string) (*Writer, error) {
	h, err := NewHandle(encoding)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, handle: h, lines: !strings.EqualFold(encoding, EncodingMsgpack)}, nil
}

func (w *Writer) Write(env Envelope) error {
	raw, err := encode(w.handle, env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if w.lines {
		raw = append(raw, '\n')
	}
	_, err = w.w.Write(raw)
	return err
}
