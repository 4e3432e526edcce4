package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"poolstream/internal/model"
)

// JSONLSink appends dead letters to a JSON lines file. The file is append-only:
// resolving a letter appends a resolution line that List folds, so several
// processes may share one path.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

// resolution marks every earlier letter of a batch as replayed.
type resolution struct {
	ResolvedBatchID string    `json:"resolved_batch_id"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, fmt.Errorf("dead-letter path is required")
	}
	return &JSONLSink{path: path}, nil
}

// Write appends one dead letter and syncs the file.
func (s *JSONLSink) Write(_ context.Context, letter model.DeadLetter) error {
	line, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.appendLine(line)
}

// appendLine writes line in a single O_APPEND write so lines from other
// writers on the same file never interleave or overwrite it.
func (s *JSONLSink) appendLine(line []byte) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dead-letter dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dead-letter file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return file.Sync()
}

// List reads every unresolved dead letter in file order. A missing file holds none.
func (s *JSONLSink) List(_ context.Context) ([]model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *JSONLSink) list() ([]model.DeadLetter, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	var letters []model.DeadLetter
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var mark resolution
		if err := json.Unmarshal(line, &mark); err != nil {
			return nil, fmt.Errorf("parse dead letter line %d: %w", lineNumber, err)
		}
		if mark.ResolvedBatchID != "" {
			letters = dropBatch(letters, mark.ResolvedBatchID)
			continue
		}
		var letter model.DeadLetter
		if err := json.Unmarshal(line, &letter); err != nil {
			return nil, fmt.Errorf("parse dead letter line %d: %w", lineNumber, err)
		}
		letters = append(letters, letter)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dead-letter file: %w", err)
	}
	return letters, nil
}

func dropBatch(letters []model.DeadLetter, batchID string) []model.DeadLetter {
	kept := letters[:0]
	for _, letter := range letters {
		if letter.BatchID != batchID {
			kept = append(kept, letter)
		}
	}
	return kept
}

// Resolve appends a resolution line for batchID. Unknown batches are ignored.
func (s *JSONLSink) Resolve(ctx context.Context, batchID string) error {
	letters, err := s.List(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, letter := range letters {
		if letter.BatchID == batchID {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	line, err := json.Marshal(resolution{ResolvedBatchID: batchID, ResolvedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	return s.appendLine(line)
}

func (s *JSONLSink) Close() error {
	return nil
}
