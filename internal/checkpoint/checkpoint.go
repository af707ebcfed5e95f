// Package checkpoint persists per-document completion so an interrupted run
// can resume without reprocessing. The journal is a line-delimited append-only
// file; recovery tolerates a torn final line by discarding it, which at worst
// reprocesses the documents recorded since the last fsync.
package checkpoint

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one journal line. Status is either StatusDone or the classified
// parse status of a terminal failure ("file-not-found", "parse-error", ...);
// failures carry the error message alongside.
type Record struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error_msg,omitempty"`
	TS     int64  `json:"ts"`
}

// StatusDone marks a successfully written document. Every recorded status is
// terminal: a resumed run skips any key present in the journal.
const StatusDone = "done"

// Journal is the append-side handle. Safe for concurrent use.
type Journal struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	sinceSync  int
	syncEvery  int
	beforeSync func() error
	log        *zap.Logger
}

// Open replays the journal at path and opens it for appending. The returned
// map holds every durably recorded key and its status; a missing file means
// a fresh run. syncEvery bounds how many records may sit unfsynced.
func Open(path string, syncEvery int, log *zap.Logger) (*Journal, map[string]string, error) {
	if syncEvery < 1 {
		syncEvery = 1
	}
	seen, err := replay(path, log)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint journal open: %w", err)
	}
	j := &Journal{
		f:         f,
		w:         bufio.NewWriter(f),
		syncEvery: syncEvery,
		log:       log,
	}
	return j, seen, nil
}

func replay(path string, log *zap.Logger) (map[string]string, error) {
	seen := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seen, nil
		}
		return nil, fmt.Errorf("checkpoint journal read: %w", err)
	}
	if len(data) == 0 {
		return seen, nil
	}

	// A file not ending in a newline has a torn final record from an
	// interrupted append. Drop it; the document will simply be redone.
	if data[len(data)-1] != '\n' {
		if cut := bytes.LastIndexByte(data, '\n'); cut >= 0 {
			log.Warn("checkpoint journal has torn final record, discarding",
				zap.Int("bytes", len(data)-cut-1))
			data = data[:cut+1]
		} else {
			log.Warn("checkpoint journal is a single torn record, starting fresh")
			return seen, nil
		}
	}

	bad := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Key == "" {
			bad++
			continue
		}
		seen[rec.Key] = rec.Status
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint journal scan: %w", err)
	}
	if bad > 0 {
		log.Warn("checkpoint journal had unparseable records", zap.Int("count", bad))
	}
	return seen, nil
}

// SetBeforeSync installs a hook that runs ahead of every fsync. The engine
// uses it to flush the output shards first, so a durable checkpoint entry
// never points at an unwritten shard record.
func (j *Journal) SetBeforeSync(fn func() error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.beforeSync = fn
}

// Append records one document outcome. errMsg is empty for successes. Every
// syncEvery appends the journal is flushed and fsynced, so at most
// syncEvery-1 outcomes can be lost to a crash and redone on resume.
func (j *Journal) Append(key, status, errMsg string) error {
	line, err := json.Marshal(Record{Key: key, Status: status, Error: errMsg, TS: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("checkpoint append: %w", err)
	}
	j.sinceSync++
	if j.sinceSync >= j.syncEvery {
		return j.syncLocked()
	}
	return nil
}

// Sync forces buffered records to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if j.beforeSync != nil {
		if err := j.beforeSync(); err != nil {
			return fmt.Errorf("checkpoint pre-sync flush: %w", err)
		}
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("checkpoint fsync: %w", err)
	}
	j.sinceSync = 0
	return nil
}

// Close syncs and releases the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	syncErr := j.syncLocked()
	closeErr := j.f.Close()
	j.f = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
