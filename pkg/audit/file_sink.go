package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash of the first line of a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

type fileEntry struct {
	Record
	PrevHash string `json:"prev_hash"`
}

// FileSink appends records to a JSONL file. Each line carries the hash of
// the previous line so truncation or edits are detectable.
type FileSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
}

// OpenFileSink opens or creates the log at path and recovers the chain
// tail from an existing file.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileSink{path: path, file: file, prevHash: prevHash}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return last, nil
}

// Submit appends rec to the log.
func (s *FileSink) Submit(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(fileEntry{Record: rec, PrevHash: s.prevHash})
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	s.prevHash = HashLine(line)
	return nil
}

// Close closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyChain checks the hash chain of a log written by FileSink and
// returns the number of records.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	expected := GenesisHash
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		var entry fileEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return n, fmt.Errorf("line %d: %w", n, err)
		}
		if entry.PrevHash != expected {
			return n, fmt.Errorf("line %d: hash mismatch: expected %s, got %s", n, expected, entry.PrevHash)
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return n, nil
}

// ReadFile loads every record from a log written by FileSink.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry fileEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse audit record: %w", err)
		}
		out = append(out, entry.Record)
	}
	return out, scanner.Err()
}
