package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSubscriber(url string) *Subscriber {
	return &Subscriber{URL: url, UserAgent: "xwiki-test/1.0", Client: NewHTTPClient(2 * time.Second)}
}

func TestOpen_SendsHeadersAndParsesFrames(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ":ok\n\n")
		fmt.Fprint(w, "event: message\nid: [{\"offset\":1}]\ndata: {\"a\":1}\n\n")
		fmt.Fprint(w, "retry: 3000\n\n")
		fmt.Fprint(w, "data: line1\r\ndata:line2\r\n\r\n")
		fmt.Fprint(w, "event: keepalive\n\n")
		fmt.Fprint(w, "event: canary\ndata: x\n\n")
		fmt.Fprint(w, "id: 7\ndata\n\n")
	}))
	defer srv.Close()

	sub, err := newSubscriber(srv.URL).Open(context.Background(), "cursor-1")
	require.NoError(t, err)
	defer sub.Close()

	m, err := sub.Next()
	require.NoError(t, err)
	require.NotNil(t, m.ID)
	assert.Equal(t, `[{"offset":1}]`, *m.ID)
	assert.Equal(t, "message", m.Kind())
	assert.Equal(t, `{"a":1}`, m.Data)

	// the last seen id carries over to frames without one
	m, err = sub.Next()
	require.NoError(t, err)
	require.NotNil(t, m.ID)
	assert.Equal(t, `[{"offset":1}]`, *m.ID)
	assert.Nil(t, m.Event)
	assert.Equal(t, "message", m.Kind())
	assert.Equal(t, "line1\nline2", m.Data)

	m, err = sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "keepalive", m.Kind())
	assert.Equal(t, "", m.Data)

	m, err = sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "canary", m.Kind())
	assert.Equal(t, "x", m.Data)

	m, err = sub.Next()
	require.NoError(t, err)
	require.NotNil(t, m.ID)
	assert.Equal(t, "7", *m.ID)
	assert.Equal(t, "", m.Data)

	_, err = sub.Next()
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "read", te.Op)

	h := <-headers
	assert.Equal(t, "xwiki-test/1.0", h.Get("User-Agent"))
	assert.Equal(t, "cursor-1", h.Get("Last-Event-ID"))
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestOpen_NoCursorNoHeader(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Last-Event-ID")
	}))
	defer srv.Close()

	sub, err := newSubscriber(srv.URL).Open(context.Background(), "")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, <-seen)
}

func TestOpen_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newSubscriber(srv.URL).Open(context.Background(), "")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "status", te.Op)
	assert.Contains(t, err.Error(), "503")
}

func TestOpen_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newSubscriber(url).Open(context.Background(), "")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "connect", te.Op)
}

func TestNext_CancelAbortsBlockedRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "id: 1\ndata: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := newSubscriber(srv.URL).Open(ctx, "")
	require.NoError(t, err)
	defer sub.Close()

	m, err := sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", m.Data)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next()
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		var te *TransportError
		assert.True(t, errors.As(err, &te))
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
}

func TestNext_OversizedFrameIsSkipped(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"one long line", "event: message\nid: 2\ndata: " + strings.Repeat("x", 10000) + "\n\n"},
		{"many short lines", "id: 2\n" + strings.Repeat("data: "+strings.Repeat("y", 500)+"\n", 20) + "\n"},
		{"long line then more fields", "data: " + strings.Repeat("z", 9000) + "\nid: 2\nevent: message\n\n"},
		{"CRLF lines", "id: 2\r\n" + strings.Repeat("data: "+strings.Repeat("w", 99)+"\r\n", 60) + "\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "id: 1\ndata: before\n\n")
				fmt.Fprint(w, tt.frame)
				fmt.Fprint(w, "id: 3\ndata: after\n\n")
				w.(http.Flusher).Flush()
				// keep the connection open so nothing below depends on EOF
				<-r.Context().Done()
			}))
			defer srv.Close()

			s := newSubscriber(srv.URL)
			s.MaxEventBytes = 4096
			sub, err := s.Open(context.Background(), "")
			require.NoError(t, err)
			defer sub.Close()

			m, err := sub.Next()
			require.NoError(t, err)
			assert.Equal(t, "before", m.Data)

			_, err = sub.Next()
			var oe *OversizeError
			require.True(t, errors.As(err, &oe), "got %v", err)
			assert.Equal(t, 4096, oe.Limit)
			var te *TransportError
			assert.False(t, errors.As(err, &te))

			m, err = sub.Next()
			require.NoError(t, err)
			require.NotNil(t, m.ID)
			assert.Equal(t, "3", *m.ID)
			assert.Equal(t, "after", m.Data)
		})
	}
}

func TestNext_SmallLimitIsEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", strings.Repeat("a", 5000))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := newSubscriber(srv.URL)
	s.MaxEventBytes = 4096
	sub, err := s.Open(context.Background(), "")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next()
		done <- err
	}()
	select {
	case err := <-done:
		var oe *OversizeError
		assert.True(t, errors.As(err, &oe), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("a frame over the limit was not rejected")
	}
}

func TestReadLine(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader(strings.Repeat("q", 100)+"\n\r\n\nx"), 16)

	blank, err := readLine(br)
	require.NoError(t, err)
	assert.False(t, blank, "long line")

	blank, err = readLine(br)
	require.NoError(t, err)
	assert.True(t, blank, "CRLF")

	blank, err = readLine(br)
	require.NoError(t, err)
	assert.True(t, blank, "LF")

	_, err = readLine(br)
	assert.ErrorIs(t, err, io.EOF)
}
