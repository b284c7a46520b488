// Package audit implements the hash-chained, append-only, line-delimited
// audit log every component in this core writes to. Each record's hash
// covers the previous record's hash, so any tampering or truncation of the
// log file breaks the chain; a broken chain is fatal at load time.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"

	hexutil "github.com/ransomeye/coreplane/infrastructure/hex"
	"github.com/ransomeye/coreplane/infrastructure/logging"
	"github.com/ransomeye/coreplane/infrastructure/redaction"
)

// genesisHash is the prev_hash of the first record ever appended to a log.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only, hash-chained audit log backed by a single file.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	lastHash string
	nextSeq  uint64

	redactor *redaction.Redactor
	secLog   *logging.Logger
}

// WithRedaction attaches a secret redactor that scrubs every payload before
// it is hashed and written, so an upstream component that accidentally
// forwards a credential or token inside a directive or policy snapshot
// never lands it in the durable, hash-chained record.
func (l *Log) WithRedaction(r *redaction.Redactor) *Log {
	l.redactor = r
	return l
}

// WithSecurityLogger attaches a structured logger that mirrors every
// appended record as an audit log line, independent of the hash-chained
// file, for shipping to a log aggregator.
func (l *Log) WithSecurityLogger(sl *logging.Logger) *Log {
	l.secLog = sl
	return l
}

// Open opens (creating if absent) the audit log at path, replaying every
// existing record to verify the hash chain and recover the append cursor.
// A break anywhere in the chain is returned as a fatal Integrity error.
func Open(path string) (*Log, error) {
	// Open for reading first to replay and verify the existing chain.
	readFile, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "audit.Open", "Open failed", err)
	}

	lastHash := genesisHash
	var nextSeq uint64
	scanner := bufio.NewScanner(readFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			readFile.Close()
			return nil, coreerr.Wrap(coreerr.KindIntegrity, "audit.Open", "Open failed", err)
		}
		if rec.PrevHash != lastHash {
			readFile.Close()
			return nil, coreerr.IntegrityMsg("audit.Open", "audit chain broken: prev_hash mismatch at sequence "+itoa(rec.Sequence))
		}
		if rec.Sequence != nextSeq {
			readFile.Close()
			return nil, coreerr.IntegrityMsg("audit.Open", "audit chain broken: sequence gap at "+itoa(rec.Sequence))
		}
		if computeHash(&rec) != rec.Hash {
			readFile.Close()
			return nil, coreerr.IntegrityMsg("audit.Open", "audit chain broken: stored hash mismatch at sequence "+itoa(rec.Sequence))
		}
		lastHash = rec.Hash
		nextSeq = rec.Sequence + 1
	}
	if err := scanner.Err(); err != nil {
		readFile.Close()
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "audit.Open", "Open failed", err)
	}
	readFile.Close()

	appendFile, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "audit.Open", "Open failed", err)
	}

	return &Log{
		path:     path,
		file:     appendFile,
		writer:   bufio.NewWriter(appendFile),
		lastHash: lastHash,
		nextSeq:  nextSeq,
	}, nil
}

// computeHash hashes prev_hash concatenated with the record's own
// sequence/event_type/payload/timestamp fields (everything except the
// Hash field itself, which this computes).
func computeHash(rec *model.AuditRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	payload, _ := json.Marshal(rec.Payload)
	h.Write([]byte(itoa(rec.Sequence)))
	h.Write([]byte(rec.EventType))
	h.Write(payload)
	h.Write([]byte(rec.Timestamp.Format(time.RFC3339Nano)))
	return hexutil.EncodeToString(h.Sum(nil))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Append writes a new record to the chain, returning the record's computed
// hash (useful as an audit receipt embedded in downstream directives).
func (l *Log) Append(eventType string, payload map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.redactor != nil {
		payload = l.redactor.RedactMap(payload)
	}

	rec := model.AuditRecord{
		Sequence:  l.nextSeq,
		EventType: eventType,
		Payload:   payload,
		PrevHash:  l.lastHash,
		Timestamp: time.Now().UTC(),
	}
	rec.Hash = computeHash(&rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInvariant, "audit.Append", "Append failed", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return "", coreerr.Wrap(coreerr.KindExternal, "audit.Append", "Append failed", err)
	}
	if err := l.writer.Flush(); err != nil {
		return "", coreerr.Wrap(coreerr.KindExternal, "audit.Append", "Append failed", err)
	}
	if err := l.file.Sync(); err != nil {
		return "", coreerr.Wrap(coreerr.KindExternal, "audit.Append", "Append failed", err)
	}

	l.lastHash = rec.Hash
	l.nextSeq++

	if l.secLog != nil {
		l.secLog.LogAudit(context.Background(), eventType, "audit_log", rec.Hash, "recorded")
	}
	return rec.Hash, nil
}

// LastHash returns the hash of the most recently appended record (or the
// genesis hash if the log is empty).
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
