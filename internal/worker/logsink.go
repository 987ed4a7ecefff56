package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/protocol"
)

// logSink is the per-worker log handle. It accepts writes after Close and
// drops them, so the stderr copier and the read loop can race with exit.
type logSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openLog(dir, name string) (*logSink, error) {
	if dir == "" {
		return &logSink{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(name)
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", safe, time.Now().UTC().Format("20060102T150405.000")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	return &logSink{f: f, path: path}, nil
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

func (s *logSink) event(ev protocol.Event) {
	_, _ = fmt.Fprintf(s, "[%s] %s\n", ev.Kind, ev.Data)
}

func (s *logSink) raw(line string) {
	_, _ = fmt.Fprintf(s, "[unparseable] %s\n", line)
}

// Close closes the file once; later calls are no-ops.
func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *logSink) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f != nil
}
