// Package journal is the durable, append-only record of everything that has
// happened to a process: one bucket per processId, one key per step name.
// Adapted from the key/value wrapper in db/bolt, repurposed here as the
// append-only journal of a process's history rather than a general
// document store.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dpp-connector/engine/model"
)

// registryPrefix namespaces step keys recorded on behalf of a registry
// fan-out job, so a process's own steps and its fanned-out search steps
// never collide inside the same bucket.
const registryPrefix = "registry/"

// requestPrefix namespaces the raw outgoing request bodies recorded
// alongside a step's observational history entry, so a request blob never
// collides with the HistoryEntry stored under the same step name.
const requestPrefix = "request:"

// Journal is the append-only store backing every Process's history.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path as a Journal.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, model.NewError(model.KindStorageError, "open journal", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// DB returns the underlying bbolt handle so other stores backed by the same
// file (processstore's snapshot bucket) can share one open database rather
// than each holding a separate file lock.
func (j *Journal) DB() *bolt.DB {
	return j.db
}

func bucketName(processID string) []byte {
	return []byte("proc:" + processID)
}

// Append records status for stepName under processID. Started is preserved
// from the first append for that step; Updated is refreshed to now on every
// call.
func (j *Journal) Append(processID, stepName, id, status string) error {
	now := model.NowMillis()
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(processID))
		if err != nil {
			return err
		}
		entry := model.HistoryEntry{ID: id, Status: status, Started: now, Updated: now}
		if existing := b.Get([]byte(stepName)); existing != nil {
			var prev model.HistoryEntry
			if uerr := json.Unmarshal(existing, &prev); uerr == nil {
				entry.Started = prev.Started
			}
		}
		data, merr := json.Marshal(entry)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(stepName), data)
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("append %s/%s", processID, stepName), err)
	}
	return nil
}

// AppendRegistryStep records status for a step fanned out under a registry
// search, namespaced separately from the process's own steps.
func (j *Journal) AppendRegistryStep(processID, endpointID, id, status string) error {
	return j.Append(processID, registryPrefix+endpointID, id, status)
}

// AppendRequest durably records the raw outgoing request body posted for
// stepName, overwriting any prior body recorded under the same step.
func (j *Journal) AppendRequest(processID, stepName string, body []byte) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(processID))
		if err != nil {
			return err
		}
		return b.Put([]byte(requestPrefix+stepName), body)
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("append request %s/%s", processID, stepName), err)
	}
	return nil
}

// ReadRequest returns the raw request body recorded for stepName, or
// (nil, nil) if absent.
func (j *Journal) ReadRequest(processID, stepName string) ([]byte, error) {
	var data []byte
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(processID))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(requestPrefix + stepName)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, model.NewError(model.KindStorageError, fmt.Sprintf("read request %s/%s", processID, stepName), err)
	}
	return data, nil
}

// Read returns the recorded entry for stepName, or (nil, nil) if absent.
func (j *Journal) Read(processID, stepName string) (*model.HistoryEntry, error) {
	var entry *model.HistoryEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(processID))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(stepName))
		if data == nil {
			return nil
		}
		var e model.HistoryEntry
		if uerr := json.Unmarshal(data, &e); uerr != nil {
			return uerr
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, model.NewError(model.KindStorageError, fmt.Sprintf("read %s/%s", processID, stepName), err)
	}
	return entry, nil
}

// ListSteps returns every step name -> entry recorded for processID,
// including any registry-namespaced steps.
func (j *Journal) ListSteps(processID string) (map[string]*model.HistoryEntry, error) {
	out := map[string]*model.HistoryEntry{}
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(processID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if strings.HasPrefix(string(k), requestPrefix) {
				return nil
			}
			var e model.HistoryEntry
			if uerr := json.Unmarshal(v, &e); uerr != nil {
				return uerr
			}
			out[string(k)] = &e
			return nil
		})
	})
	if err != nil {
		return nil, model.NewError(model.KindStorageError, fmt.Sprintf("list steps %s", processID), err)
	}
	return out, nil
}

// Remove deletes the recorded entry for stepName under processID. It is a
// no-op if the step (or the process's bucket) doesn't exist.
func (j *Journal) Remove(processID, stepName string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(processID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(stepName))
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("remove %s/%s", processID, stepName), err)
	}
	return nil
}

// RemoveAll deletes the whole journal bucket for processID, wiping every
// step at once. Used by processstore.Remove when a process itself is
// deleted, as opposed to a single step.
func (j *Journal) RemoveAll(processID string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName(processID)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(processID))
	})
	if err != nil {
		return model.NewError(model.KindStorageError, fmt.Sprintf("remove all %s", processID), err)
	}
	return nil
}
