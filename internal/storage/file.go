package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"newsbeat/internal/domain"
	logx "newsbeat/pkg/logx"
)

// fileStore keeps everything in memory and persists through two files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of mutations)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	subs     map[string]record
	lastSent map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Subscribers map[string]record `json:"subscribers"`
	LastSent    map[string]int64  `json:"last_sent"`
}

const (
	opUpsert = "upsert"
	opDelete = "delete"
	opSent   = "sent"
)

type journalRecord struct {
	Op   string  `json:"op"`
	Sub  *record `json:"sub,omitempty"`
	ID   string  `json:"id,omitempty"`
	Sent int64   `json:"sent,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		subs:         map[string]record{},
		lastSent:     map[string]int64{},
		compactEvery: 500,
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("subscribers", len(s.subs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fileStore) List(ctx context.Context) ([]domain.Subscriber, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]domain.Subscriber, 0, len(s.subs))
	for _, r := range s.subs {
		out = append(out, r.toSubscriber())
	}
	sortSubscribers(out)
	return out, nil
}

func (s *fileStore) FindByEmail(ctx context.Context, email string) (domain.Subscriber, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return domain.Subscriber{}, false, ErrClosed
	}
	r, ok := s.subs[email]
	if !ok {
		return domain.Subscriber{}, false, nil
	}
	return r.toSubscriber(), true, nil
}

func (s *fileStore) Upsert(ctx context.Context, sub domain.Subscriber) error {
	_ = ctx
	r := toRecord(sub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opUpsert, Sub: &r}); err != nil {
		return err
	}
	s.subs[r.Email] = r
	return nil
}

func (s *fileStore) Delete(ctx context.Context, email string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDelete, ID: email}); err != nil {
		return err
	}
	delete(s.subs, email)
	delete(s.lastSent, email)
	return nil
}

func (s *fileStore) PutLastSent(ctx context.Context, email string, at time.Time) error {
	_ = ctx
	ms := at.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opSent, ID: email, Sent: ms}); err != nil {
		return err
	}
	s.lastSent[email] = ms
	return nil
}

func (s *fileStore) LastSent(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string]time.Time, len(s.lastSent))
	for k, v := range s.lastSent {
		out[k] = time.UnixMilli(v)
	}
	return out, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Subscribers: s.subs, LastSent: s.lastSent}); err != nil {
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

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Subscribers {
		s.subs[k] = v
	}
	for k, v := range snap.LastSent {
		s.lastSent[k] = v
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		switch r.Op {
		case opUpsert:
			if r.Sub != nil && r.Sub.Email != "" {
				s.subs[r.Sub.Email] = *r.Sub
			}
		case opDelete:
			delete(s.subs, r.ID)
			delete(s.lastSent, r.ID)
		case opSent:
			if r.ID != "" && r.Sent > s.lastSent[r.ID] {
				s.lastSent[r.ID] = r.Sent
			}
		}
	}
	return sc.Err()
}
