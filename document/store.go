// Package document holds the replicated documents of one session, keyed by
// file id. Each file has its own lock: merges on the same file are atomic
// with respect to each other while different files merge in parallel.
package document

import (
	"sort"
	"sync"

	"collab-server/core"
	"collab-server/crdt"

	"github.com/sirupsen/logrus"
)

// replicaClient stamps the server-side replicas. The server never edits
// documents itself, it only merges what peers send.
const replicaClient = "server"

type replica struct {
	mu  sync.Mutex
	doc *crdt.Doc
}

type Store struct {
	sessionID string

	mu    sync.RWMutex
	files map[string]*replica
}

func New(sessionID string) *Store {
	return &Store{
		sessionID: sessionID,
		files:     make(map[string]*replica),
	}
}

func (s *Store) SessionID() string { return s.sessionID }

// DocumentID is the compound key identifying a file inside this session.
func (s *Store) DocumentID(fileID string) string {
	return core.DocumentKey(s.sessionID, fileID)
}

// replica returns the file's replica, creating an empty one on first use.
func (s *Store) replica(fileID string) *replica {
	s.mu.RLock()
	r, ok := s.files[fileID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.files[fileID]; ok {
		return r
	}
	r = &replica{doc: crdt.NewDoc(replicaClient)}
	s.files[fileID] = r
	logrus.WithFields(logrus.Fields{
		"document_id": s.DocumentID(fileID),
	}).Debug("Created document replica")
	return r
}

// ApplyUpdate merges a peer delta into the file. An undecodable delta
// returns an error wrapping core.ErrDecode and leaves the file unchanged.
func (s *Store) ApplyUpdate(fileID string, delta []byte) error {
	r := s.replica(fileID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.apply(r, fileID, delta)
}

func (s *Store) apply(r *replica, fileID string, delta []byte) error {
	log := logrus.WithFields(logrus.Fields{
		"document_id":  s.DocumentID(fileID),
		"delta_length": len(delta),
	})
	if err := r.doc.ApplyUpdate(delta); err != nil {
		log.WithError(err).Warn("Rejected document update")
		return err
	}
	log.Debug("Applied document update")
	return nil
}

// EncodeState returns the full replicated state of the file.
func (s *Store) EncodeState(fileID string) ([]byte, error) {
	r := s.replica(fileID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

// ApplyAndEncode applies delta and reads the resulting state without another
// merge on the same file interleaving. An empty delta only reads the state.
func (s *Store) ApplyAndEncode(fileID string, delta []byte) ([]byte, error) {
	r := s.replica(fileID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(delta) > 0 {
		if err := s.apply(r, fileID, delta); err != nil {
			return nil, err
		}
	}
	return r.doc.EncodeState()
}

// Load merges a previously encoded state, used to seed files from snapshots.
func (s *Store) Load(fileID string, state []byte) error {
	return s.ApplyUpdate(fileID, state)
}

// Text returns the visible content of a file.
func (s *Store) Text(fileID string) string {
	r := s.replica(fileID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

// Files lists the file ids that have a replica, sorted.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
