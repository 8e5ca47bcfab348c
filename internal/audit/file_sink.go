package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink 以 JSON Lines 追加写文件，每批 fsync 一次。
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsync audit file: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

// ReadFile 读取审计文件；mappingID 非空时只返回该映射的记录。
// 同一 ID 可能因重试写入多次，只保留第一条。
func ReadFile(path, mappingID string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// 进程崩溃可能留下半行
			continue
		}
		if seen[e.ID] || (mappingID != "" && e.MappingID != mappingID) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read audit file: %w", err)
	}
	return out, nil
}

// MemorySink 进程内 sink，用于测试和 dry-run。
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	fail    error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// FailWith 之后的写入都返回 err；传 nil 恢复。
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Actions 返回某映射按写入顺序的动作列表。
func (s *MemorySink) Actions(mappingID string) []string {
	var out []string
	for _, e := range s.Entries() {
		if e.MappingID == mappingID {
			out = append(out, e.Action)
		}
	}
	return out
}
