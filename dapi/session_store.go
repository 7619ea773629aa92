package dapi

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/wal"
)

// SessionStore keeps resume state across connections and, for the file
// store, across process restarts.
type SessionStore interface {
	Load(shard Shard) (ResumeState, bool, error)
	Save(shard Shard, state ResumeState) error
	Clear(shard Shard) error
}

// MemorySessionStore is a SessionStore held in memory.
type MemorySessionStore struct {
	lock   sync.Mutex
	states map[Shard]ResumeState
}

// NewMemorySessionStore returns a new MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{states: make(map[Shard]ResumeState)}
}

// Load executes the exported load operation.
func (store *MemorySessionStore) Load(shard Shard) (ResumeState, bool, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	state, ok := store.states[shard]
	return state, ok && state.CanResume(), nil
}

// Save executes the exported save operation.
func (store *MemorySessionStore) Save(shard Shard, state ResumeState) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	if !state.CanResume() {
		delete(store.states, shard)
		return nil
	}
	store.states[shard] = state
	return nil
}

// Clear executes the exported clear operation.
func (store *MemorySessionStore) Clear(shard Shard) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	delete(store.states, shard)
	return nil
}

const sessionFileVersion = 1

type sessionFileRecord struct {
	Shard  Shard       `cbor:"1,keyasint"`
	Resume ResumeState `cbor:"2,keyasint"`
}

type sessionFileState struct {
	Version int                 `cbor:"1,keyasint"`
	SavedAt time.Time           `cbor:"2,keyasint"`
	Records []sessionFileRecord `cbor:"3,keyasint"`
}

var (
	sessionEncMode cbor.EncMode
	sessionDecMode cbor.DecMode
)

func init() {
	var err error
	sessionEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("dapi: CBOR encoder initialization failed: " + err.Error())
	}
	sessionDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("dapi: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileSessionStore persists resume state as CBOR in a single file, replaced
// atomically on every change.
type FileSessionStore struct {
	*MemorySessionStore
	path string
	lock sync.Mutex
}

// NewFileSessionStore loads path if it exists and returns the store.
func NewFileSessionStore(path string) (*FileSessionStore, error) {
	if path == "" {
		return nil, NewError(CommandError, "session state path is required")
	}
	store := &FileSessionStore{
		MemorySessionStore: NewMemorySessionStore(),
		path:               path,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Path returns the backing file path.
func (store *FileSessionStore) Path() string {
	return store.path
}

// Save executes the exported save operation.
func (store *FileSessionStore) Save(shard Shard, state ResumeState) error {
	if err := store.MemorySessionStore.Save(shard, state); err != nil {
		return err
	}
	return store.save()
}

// Clear executes the exported clear operation.
func (store *FileSessionStore) Clear(shard Shard) error {
	if err := store.MemorySessionStore.Clear(shard); err != nil {
		return err
	}
	return store.save()
}

func (store *FileSessionStore) save() error {
	store.lock.Lock()
	defer store.lock.Unlock()

	store.MemorySessionStore.lock.Lock()
	records := make([]sessionFileRecord, 0, len(store.states))
	for shard, resume := range store.states {
		records = append(records, sessionFileRecord{Shard: shard, Resume: resume})
	}
	store.MemorySessionStore.lock.Unlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Shard.Index < records[j].Shard.Index })

	if len(records) == 0 {
		return wal.Remove(store.path)
	}

	data, err := sessionEncMode.Marshal(sessionFileState{
		Version: sessionFileVersion,
		SavedAt: time.Now().UTC(),
		Records: records,
	})
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	return wal.WriteAtomic(store.path, data, 0o600)
}

func (store *FileSessionStore) load() error {
	data, err := wal.Read(store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var state sessionFileState
	if err := sessionDecMode.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode session state %s: %w", store.path, err)
	}
	if state.Version != sessionFileVersion {
		return fmt.Errorf("session state %s: unsupported version %d", store.path, state.Version)
	}

	store.MemorySessionStore.lock.Lock()
	defer store.MemorySessionStore.lock.Unlock()
	for _, record := range state.Records {
		if record.Resume.CanResume() {
			store.states[record.Shard] = record.Resume
		}
	}
	return nil
}
