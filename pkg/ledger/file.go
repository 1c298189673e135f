package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLedger appends records as JSON lines to a local file, fsyncing each
// write so durability holds before Append returns. The chain head is
// recovered from the existing file at open.
type FileLedger struct {
	mu        sync.RWMutex
	path      string
	file      *os.File
	records   []AuditRecord
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewFileLedger opens (or creates) the ledger file and loads its records.
func NewFileLedger(path string) (*FileLedger, error) {
	fl := &FileLedger{path: path, chainHead: genesisHash, clock: time.Now}
	if err := fl.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	fl.file = f
	return fl, nil
}

func (fl *FileLedger) load() error {
	f, err := os.Open(fl.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", fl.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("ledger: corrupt record in %s: %w", fl.path, err)
		}
		fl.records = append(fl.records, rec)
		fl.sequence = rec.Sequence
		fl.chainHead = rec.Hash
	}
	return scanner.Err()
}

// Close releases the underlying file handle.
func (fl *FileLedger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

func (fl *FileLedger) Append(ctx context.Context, rec *AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return joinWriteErr(fmt.Errorf("ledger file %s is closed", fl.path))
	}

	if err := seal(rec, fl.sequence+1, fl.chainHead, fl.clock().UTC()); err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return joinWriteErr(err)
	}
	if _, err := fl.file.Write(append(line, '\n')); err != nil {
		return joinWriteErr(err)
	}
	// Synchronous flush: the record must survive a crash before the caller
	// is told the action is audited.
	if err := fl.file.Sync(); err != nil {
		return joinWriteErr(err)
	}

	fl.sequence = rec.Sequence
	fl.chainHead = rec.Hash
	fl.records = append(fl.records, *rec)
	return nil
}

func (fl *FileLedger) Query(ctx context.Context, f Filter) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	out := make([]AuditRecord, 0)
	for _, rec := range fl.records {
		if !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (fl *FileLedger) VerifyChain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	prev := genesisHash
	for _, rec := range fl.records {
		if err := verifyRecord(rec, prev); err != nil {
			return err
		}
		prev = rec.Hash
	}
	return nil
}
