package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// DefaultMaxLineBytes bounds a single record on a line-delimited stream.
const DefaultMaxLineBytes = 1 << 20

// LineSource reads newline-delimited JSON records from a reader, such as a
// streaming HTTP response body or stdin. Blank lines are keep-alives and are
// skipped.
//
// Receive honours ctx only between reads; a read blocked on the underlying
// reader returns when the reader does (HTTP bodies are bound to the request
// context, see OpenHTTP).
type LineSource struct {
	mu     sync.Mutex
	sc     *bufio.Scanner
	closer io.Closer
	line   int64
}

func NewLineSource(r io.Reader) *LineSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineBytes)

	s := &LineSource{sc: sc}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenHTTP issues a GET against a streaming endpoint and returns a LineSource
// over the response body. The body is closed when ctx is done or Close is called.
func OpenHTTP(ctx context.Context, client *http.Client, url string, header http.Header) (*LineSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: unexpected status %d", url, resp.StatusCode)
	}
	return NewLineSource(resp.Body), nil
}

func (s *LineSource) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		s.line++

		b := bytes.TrimSpace(s.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		// Scanner reuses its buffer.
		payload := append([]byte(nil), b...)
		return lineMessage{payload: payload, line: s.line}, nil
	}
}

// AckBatch is a no-op; a plain stream has nothing to acknowledge.
func (s *LineSource) AckBatch(ctx context.Context, msgs []Message) error { return nil }

func (s *LineSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type lineMessage struct {
	payload []byte
	line    int64
}

func (m lineMessage) Data() Envelope {
	return Envelope{Payload: m.payload, Meta: map[string]string{"line": fmt.Sprint(m.line)}}
}

func (m lineMessage) Fail(ctx context.Context, reason error) error { return nil }
