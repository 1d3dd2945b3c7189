// Package processstore is the system of record for Process documents: the
// in-memory index backed by a durable snapshot in journal's bbolt file,
// guarded by one store-wide lock the way coordinator.PhaseManager guards its
// workflow map (so operations on different processes serialize too), and
// using model.ProcessState.CanTransitionTo instead of a second, duplicated
// transition table.
package processstore

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/dpp-connector/engine/journal"
	"github.com/dpp-connector/engine/model"
)

const snapshotBucket = "processes"

// Store holds every known Process, indexed by ID, plus the journal each
// mutation is appended to.
type Store struct {
	mu        sync.RWMutex
	processes map[string]*model.Process
	db        *bolt.DB
	journal   *journal.Journal
}

// Open opens the snapshot bucket in db and wires it to j for per-step
// history. db and j are expected to share the same bbolt file; they are
// passed separately because Journal owns its own bucket namespace.
func Open(db *bolt.DB, j *journal.Journal) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, cerr := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return cerr
	})
	if err != nil {
		return nil, model.NewError(model.KindStorageError, "open process store", err)
	}
	s := &Store{processes: make(map[string]*model.Process), db: db, journal: j}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			p, err := decodeProcess(v)
			if err != nil {
				return err
			}
			s.processes[string(k)] = p
			return nil
		})
	})
}

func (s *Store) persist(p *model.Process) error {
	data, err := encodeProcess(p)
	if err != nil {
		return model.NewError(model.KindStorageError, "encode process", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		return b.Put([]byte(p.ID), data)
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("persist process %s", p.ID), err)
	}
	return nil
}

// Create registers a new Process in StateCreated, persists it, and appends
// the initial journal entry.
func (s *Store) Create(id, endpoint, bpn string) (*model.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processes[id]; exists {
		return nil, model.NewError(model.KindInvalidState, fmt.Sprintf("process %s already exists", id), nil)
	}
	now := model.NowMillis()
	p := &model.Process{
		ID:         id,
		State:      model.StateCreated,
		CreatedAt:  now,
		ModifiedAt: now,
		Endpoint:   endpoint,
		BPN:        bpn,
	}
	if err := s.journal.Append(id, "process", id, string(model.StateCreated)); err != nil {
		return nil, err
	}
	if err := s.persist(p); err != nil {
		return nil, err
	}
	s.processes[id] = p
	return p.Clone(), nil
}

// Get returns a defensive copy of the Process with id, or an InvalidState
// error if it doesn't exist.
func (s *Store) Get(id string) (*model.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.processes[id]
	if !ok {
		return nil, model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not found", id), nil)
	}
	return p.Clone(), nil
}

// Transition moves the process to target, validated against
// model.ProcessState.CanTransitionTo, then persists the snapshot and
// appends a journal entry. On any failure the in-memory copy is left
// unchanged (the snapshot write and the journal append both happen before
// the in-memory map is mutated).
func (s *Store) Transition(id string, target model.ProcessState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[id]
	if !ok {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not found", id), nil)
	}
	if !p.State.CanTransitionTo(target) {
		return model.NewError(model.KindInvalidState,
			fmt.Sprintf("process %s cannot move %s -> %s", id, p.State, target), nil)
	}

	updated := p.Clone()
	updated.State = target
	updated.ModifiedAt = model.NowMillis()

	// Journal first: once the snapshot is overwritten there is no rolling
	// it back, so the append must already have succeeded by then or a
	// restart would load a state the journal never recorded.
	if err := s.journal.Append(id, "process", id, string(target)); err != nil {
		return err
	}
	if err := s.persist(updated); err != nil {
		return err
	}
	s.processes[id] = updated
	return nil
}

// SaveNegotiationRequest durably records the outgoing negotiation request
// body before it's posted, so the exact bytes sent to the counterparty
// survive a crash between the post and the first poll.
func (s *Store) SaveNegotiationRequest(processID string, req model.NegotiationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return model.NewError(model.KindStorageError, "encode negotiation request", err)
	}
	return s.journal.AppendRequest(processID, "negotiation", data)
}

// SaveTransferRequest durably records the outgoing transfer request body
// before it's posted.
func (s *Store) SaveTransferRequest(processID string, req model.TransferRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return model.NewError(model.KindStorageError, "encode transfer request", err)
	}
	return s.journal.AppendRequest(processID, "transfer", data)
}

// SaveRegistryTransferRequest is SaveTransferRequest's registry-fanout
// counterpart: the step is namespaced by endpointID so parallel fetches
// don't overwrite each other's recorded request body.
func (s *Store) SaveRegistryTransferRequest(processID, endpointID string, req model.TransferRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return model.NewError(model.KindStorageError, "encode registry transfer request", err)
	}
	return s.journal.AppendRequest(processID, "registry/"+endpointID, data)
}

// SaveNegotiation records the remote negotiation's id/state against the
// process's history and bumps ModifiedAt. It does not transition the
// process itself; the negotiation driver decides when the process as a
// whole moves to NEGOTIATED.
func (s *Store) SaveNegotiation(id string, n model.Negotiation) error {
	return s.recordHistory(id, "negotiation", n.ID, string(n.State))
}

// SaveTransfer records the remote transfer's id/state against the
// process's history.
func (s *Store) SaveTransfer(id string, t model.Transfer) error {
	return s.recordHistory(id, "transfer", t.ID, string(t.State))
}

// RecordStep writes a history entry named stepName with status, e.g.
// "negotiation-failed: FAILED", "timeout: FAILED" or "dtr-r1-transfer: OK".
func (s *Store) RecordStep(processID, stepName, status string) error {
	return s.recordHistory(processID, stepName, processID, status)
}

func (s *Store) recordHistory(processID, stepName, remoteID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[processID]
	if !ok {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not found", processID), nil)
	}
	if err := s.journal.Append(processID, stepName, remoteID, status); err != nil {
		return err
	}
	entry, err := s.journal.Read(processID, stepName)
	if err != nil {
		return err
	}

	updated := p.Clone()
	if updated.History == nil {
		updated.History = map[string]*model.HistoryEntry{}
	}
	updated.History[stepName] = entry
	updated.ModifiedAt = model.NowMillis()
	if err := s.persist(updated); err != nil {
		return err
	}
	s.processes[processID] = updated
	return nil
}

// RecordJobStep appends a registry-fanout step for searchID/endpointID and
// folds the resulting entry into the process's Jobs map, replacing the map
// wholesale (copy-on-write) so a concurrent reader of a prior snapshot never
// observes a partial update.
func (s *Store) RecordJobStep(processID, searchID, endpointID, remoteID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[processID]
	if !ok {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not found", processID), nil)
	}
	if err := s.journal.AppendRegistryStep(processID, endpointID, remoteID, status); err != nil {
		return err
	}
	entry, err := s.journal.Read(processID, "registry/"+endpointID)
	if err != nil {
		return err
	}

	updated := p.Clone()
	if updated.Jobs == nil {
		updated.Jobs = map[string]*model.JobHistory{}
	}
	prevJob, had := updated.Jobs[searchID]
	newJob := &model.JobHistory{SearchID: searchID, Entries: map[string]*model.HistoryEntry{}}
	if had {
		for k, v := range prevJob.Entries {
			newJob.Entries[k] = v
		}
	}
	newJob.Entries[endpointID] = entry
	updated.Jobs[searchID] = newJob
	updated.ModifiedAt = model.NowMillis()

	if err := s.persist(updated); err != nil {
		return err
	}
	s.processes[processID] = updated
	return nil
}

// List returns a defensive copy of every known Process.
func (s *Store) List() []*model.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p.Clone())
	}
	return out
}

// Remove deletes a process's snapshot and its journal bucket entirely. No
// other package in this module calls it; processes are otherwise retained.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processes[id]; !ok {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not found", id), nil)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		return b.Delete([]byte(id))
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("remove process %s", id), err)
	}
	if err := s.journal.RemoveAll(id); err != nil {
		return err
	}
	delete(s.processes, id)
	return nil
}
