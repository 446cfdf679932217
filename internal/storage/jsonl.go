package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"affiliateScope/internal/model"
)

// malformedLine is one JSONL record: the decode error plus the fields needed
// to triage it without re-fetching the log.
type malformedLine struct {
	model.DecodeError
	Topic0     string    `json:"topic0"`
	DataBytes  int       `json:"data_bytes"`
	RecordedAt time.Time `json:"recorded_at"`
}

func newMalformedLine(rec model.DecodeError, now time.Time) malformedLine {
	line := malformedLine{DecodeError: rec, RecordedAt: now.UTC()}
	if len(rec.Topics) > 0 {
		line.Topic0 = rec.Topics[0]
	}
	if n := len(rec.Data); n >= 2 && rec.Data[:2] == "0x" {
		line.DataBytes = (n - 2) / 2
	}
	return line
}

// JsonlSink appends undecodable logs to a JSONL file. The file is opened on
// the first write and kept open until Close.
type JsonlSink struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewJsonlSink(path string) *JsonlSink {
	return &JsonlSink{path: path, now: time.Now}
}

func (s *JsonlSink) open() error {
	if s.file != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	s.file = file
	s.enc = json.NewEncoder(file)
	return nil
}

// PutDecodeErrors appends one line per decode error. Workers share the sink.
func (s *JsonlSink) PutDecodeErrors(errs []model.DecodeError) error {
	if len(errs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return err
	}
	now := s.now()
	for _, rec := range errs {
		if err := s.enc.Encode(newMalformedLine(rec, now)); err != nil {
			return fmt.Errorf("write decode error %s:%d: %w", rec.TxHash, rec.LogIndex, err)
		}
	}
	return nil
}

// Close releases the file. The sink reopens it on the next write.
func (s *JsonlSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.enc = nil, nil
	return err
}
