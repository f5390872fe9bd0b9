package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// stream writes newline-delimited JSON and flushes after every line so
// clients see progress as it happens.
type stream struct {
	w   http.ResponseWriter
	enc *json.Encoder
	f   http.Flusher
}

func newStream(w http.ResponseWriter) *stream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &stream{w: w, enc: json.NewEncoder(w), f: f}
}

func (s *stream) write(line StreamLine) {
	line.Time = time.Now().UTC()
	if err := s.enc.Encode(line); err != nil {
		return
	}
	if s.f != nil {
		s.f.Flush()
	}
}

func (s *stream) log(msg string) { s.write(StreamLine{Type: "log", Message: msg}) }

func (s *stream) result(data any) { s.write(StreamLine{Type: "result", Data: data}) }

func (s *stream) fail(err error) { s.write(StreamLine{Type: "error", Error: err.Error()}) }
