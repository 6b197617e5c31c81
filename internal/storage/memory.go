package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	logx "dutybot/pkg/logx"
)

// memoryStore keeps documents in maps guarded by one mutex.
//
// With a Path it is also durable:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type memoryStore struct {
	log logx.Logger

	mu     sync.Mutex
	docs   map[string]map[string]json.RawMessage
	closed bool

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalRecord struct {
	Op         string          `json:"op"` // put | del
	Collection string          `json:"c"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data,omitempty"`
}

const compactEvery = 1000

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	s := &memoryStore{log: log, docs: map[string]map[string]json.RawMessage{}}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.docs); err != nil && !os.IsNotExist(err) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.docs); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *memoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	data, ok := s.docs[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: clone(data)}, nil
}

func (s *memoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, f := range q.Filters {
		if err := checkFilter(f); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	var out []Document
	for id, data := range s.docs[collection] {
		ok, err := matches(data, q.Filters)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if ok {
			out = append(out, Document{ID: id, Data: clone(data)})
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sortDocuments(out, q.OrderBy, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, collection, id string, doc any) error {
	data, err := s.prepare(ctx, collection, id, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.putLocked(collection, id, data)
}

func (s *memoryStore) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()
	if err := s.Create(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *memoryStore) Create(ctx context.Context, collection, id string, doc any) error {
	data, err := s.prepare(ctx, collection, id, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.docs[collection][id]; exists {
		return ErrAlreadyExists
	}
	return s.putLocked(collection, id, data)
}

func (s *memoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[collection][id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: "del", Collection: collection, ID: id}); err != nil {
		return err
	}
	delete(s.docs[collection], id)
	return nil
}

func (s *memoryStore) prepare(ctx context.Context, collection, id string, doc any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return nil, errEmptyKey
	}
	return encode(doc)
}

// putLocked journals first so a failed append leaves memory unchanged.
func (s *memoryStore) putLocked(collection, id string, data json.RawMessage) error {
	if err := s.appendLocked(journalRecord{Op: "put", Collection: collection, ID: id, Data: data}); err != nil {
		return err
	}
	c := s.docs[collection]
	if c == nil {
		c = map[string]json.RawMessage{}
		s.docs[collection] = c
	}
	c[id] = clone(data)
	return nil
}

func (s *memoryStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *memoryStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.docs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for c, docs := range m {
		out[c] = docs
	}
	return nil
}

func replayJournal(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash.
			continue
		}
		if r.Collection == "" || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			c := out[r.Collection]
			if c == nil {
				c = map[string]json.RawMessage{}
				out[r.Collection] = c
			}
			c[r.ID] = r.Data
		case "del":
			delete(out[r.Collection], r.ID)
		}
	}
	return sc.Err()
}

func sortDocuments(docs []Document, field string, desc bool) {
	if field == "" {
		sort.Slice(docs, func(i, j int) bool {
			if desc {
				return docs[i].ID > docs[j].ID
			}
			return docs[i].ID < docs[j].ID
		})
		return
	}
	keys := make(map[string]any, len(docs))
	for _, d := range docs {
		v, _ := lookup(d.Data, field)
		keys[d.ID] = v
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(keys[docs[i].ID], keys[docs[j].ID])
		if c == 0 {
			c = strings.Compare(docs[i].ID, docs[j].ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
