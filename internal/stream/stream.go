// Package stream implements a resumable text/event-stream subscription.
//
// A Subscription is a thin transport: it never retries. Any connection or
// read failure is returned to the caller as a *TransportError and the
// caller decides when to Open again with the last acknowledged cursor.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	sse "github.com/tmaxmax/go-sse"

	"github.com/galois26/xwiki-consumer/internal/model"
)

// DefaultMaxEventBytes bounds a single frame when no limit is configured.
const DefaultMaxEventBytes = 1 << 20

// TransportError covers connect, status and read failures.
type TransportError struct {
	Op  string // connect | status | read
	Err error
}

func (e *TransportError) Error() string { return "stream " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type Subscriber struct {
	URL           string
	UserAgent     string
	Client        *http.Client
	MaxEventBytes int
}

// Open starts a GET against the feed. A non-empty cursor is sent as
// Last-Event-ID so the server replays from that position.
func (s *Subscriber) Open(ctx context.Context, cursor string) (*Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	if cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}

	client := s.Client
	if client == nil {
		client = NewHTTPClient(0)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		client.CloseIdleConnections()
		return nil, &TransportError{Op: "status", Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	return newSubscription(resp.Body, client, s.MaxEventBytes), nil
}

// OversizeError reports a frame longer than the configured limit. The frame
// has been skipped and the Subscription is still usable.
type OversizeError struct {
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("stream frame exceeds %d bytes, skipped", e.Limit)
}

// Subscription yields frames from one connection. Next is not safe for
// concurrent use; Close may be called from another goroutine.
type Subscription struct {
	body   io.ReadCloser
	client *http.Client
	src    *edgeReader
	br     *bufio.Reader
	cfg    *sse.ReadConfig

	mu   sync.Mutex // held while the parser runs
	next func() (sse.Event, error, bool)
	stop func()
	once sync.Once
}

func newSubscription(body io.ReadCloser, client *http.Client, limit int) *Subscription {
	if limit <= 0 {
		limit = DefaultMaxEventBytes
	}
	br := bufio.NewReader(body)
	s := &Subscription{
		body:   body,
		client: client,
		br:     br,
		src:    &edgeReader{r: br, last: '\n'},
		cfg:    &sse.ReadConfig{MaxEventSize: limit},
	}
	s.restart()
	return s
}

func (s *Subscription) restart() {
	s.next, s.stop = iter.Pull2(iter.Seq2[sse.Event, error](sse.Read(s.src, s.cfg)))
}

// Next blocks until the next dispatched frame. A frame over the size limit
// is skipped and reported as *OversizeError; any other failure is a
// *TransportError and ends the Subscription.
func (s *Subscription) Next() (model.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err, ok := s.next()
	switch {
	case !ok:
		return model.RawMessage{}, &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	case errors.Is(err, bufio.ErrTooLong):
		s.stop()
		if err := s.skipFrame(); err != nil {
			return model.RawMessage{}, &TransportError{Op: "read", Err: err}
		}
		s.restart()
		return model.RawMessage{}, &OversizeError{Limit: s.cfg.MaxEventSize}
	case err != nil:
		return model.RawMessage{}, &TransportError{Op: "read", Err: err}
	}

	msg := model.RawMessage{Data: ev.Data}
	if ev.LastEventID != "" {
		id := ev.LastEventID
		msg.ID = &id
	}
	if ev.Type != "" {
		typ := ev.Type
		msg.Event = &typ
	}
	return msg, nil
}

// skipFrame discards input up to and including the blank line that ends
// the frame the parser gave up on. Everything the parser buffered belongs
// to that frame.
func (s *Subscription) skipFrame() error {
	if s.src.last == '\r' {
		// the parser may have stopped inside a CRLF
		if b, err := s.br.Peek(1); err == nil && b[0] == '\n' {
			s.br.Discard(1)
		}
	}
	if !s.src.atLineStart() {
		if _, err := readLine(s.br); err != nil {
			return err
		}
	}
	for {
		blank, err := readLine(s.br)
		if err != nil {
			return err
		}
		if blank {
			return nil
		}
	}
}

// readLine consumes one LF or CRLF terminated line of any length.
func readLine(br *bufio.Reader) (blank bool, err error) {
	n := 0
	for {
		chunk, err := br.ReadSlice('\n')
		n += len(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return false, err
		}
		return n == 1 || (n == 2 && chunk[0] == '\r'), nil
	}
}

// Close releases the connection. Safe to call more than once and from
// another goroutine than Next.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		// closing the body first unblocks a pending Next
		err = s.body.Close()
		// never hand a pooled connection from this cycle to the next one
		s.client.CloseIdleConnections()
		s.mu.Lock()
		s.stop()
		s.mu.Unlock()
	})
	return err
}

// edgeReader remembers the last byte handed to the parser.
type edgeReader struct {
	r    io.Reader
	last byte
}

func (e *edgeReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if n > 0 {
		e.last = p[n-1]
	}
	return n, err
}

func (e *edgeReader) atLineStart() bool { return e.last == '\n' || e.last == '\r' }
