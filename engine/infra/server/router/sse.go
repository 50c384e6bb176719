package router

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/flopods/engine/engine/streaming"
	"github.com/gin-gonic/gin"
)

// SSEStream writes the data-only event protocol: one JSON object per
// `data: ` line, blank-line separated, terminated by the `[DONE]` sentinel.
// gin's SSEvent helper is not used because it emits `event:` framing this
// protocol does not carry. Writes are serialized; one stream may be fed from
// a token callback and a terminal emitter without interleaving frames.
type SSEStream struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// StartSSE flushes the stream headers immediately so the client sees an open
// stream before the first event. Returns nil when the writer cannot flush.
func StartSSE(w gin.ResponseWriter) *SSEStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEStream{writer: w, flusher: flusher}
}

// WriteEvent encodes one event as a wire frame and flushes it.
func (s *SSEStream) WriteEvent(event any) error {
	frame, err := streaming.EncodeFrame(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("router: write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteDone terminates the stream with the sentinel frame.
func (s *SSEStream) WriteDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write([]byte(streaming.DoneFrame)); err != nil {
		return fmt.Errorf("router: write done frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
