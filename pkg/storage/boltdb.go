package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNamespaces  = []byte("namespaces")
	bucketEntities    = []byte("entities")
	bucketVersions    = []byte("versions")
	bucketHistory     = []byte("history")
	bucketRecords     = []byte("records")
	bucketRecordIndex = []byte("record_index")
)

// DefaultOpenTimeout bounds how long NewBoltStore waits for the file lock
// held by another process.
const DefaultOpenTimeout = 2 * time.Second

// BoltStore implements Store interface using BoltDB.
//
// Layout:
//
//	namespaces/<name>                      Namespace
//	entities/<kind>/<key>                  Entity (head pointer, no payload)
//	versions/<version_key>                 Version
//	history/<kind>/<key>/<seq>             version_key, seq is big-endian
//	records/<id>                           Record
//	record_index/<fingerprint>/<seq>       record id
//
// bbolt runs one read-write transaction at a time, so every mutation of an
// entity is a single serialized unit and the head can never fork.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nanocl.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %v: %w", dbPath, err, ErrStorageUnavailable)
	}

	s := &BoltStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces,
			bucketEntities,
			bucketVersions,
			bucketHistory,
			bucketRecords,
			bucketRecordIndex,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		entities := tx.Bucket(bucketEntities)
		for _, kind := range types.EntityKinds {
			if _, err := entities.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return fmt.Errorf("failed to create bucket %s/%s: %w", bucketEntities, kind, err)
			}
		}

		namespaces := tx.Bucket(bucketNamespaces)
		if namespaces.Get([]byte(types.DefaultNamespace)) == nil {
			return putJSON(namespaces, []byte(types.DefaultNamespace), &types.Namespace{
				Name:      types.DefaultNamespace,
				CreatedAt: s.now(),
			})
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ValidateName rejects names that cannot be part of an entity key
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty: %w", ErrInvalidName)
	}
	if strings.Contains(name, types.KeySeparator) {
		return fmt.Errorf("name %q must not contain %q: %w", name, types.KeySeparator, ErrInvalidName)
	}
	// Names become gateway file names and appear in rendered configuration
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' || r == '\\' {
			return fmt.Errorf("name %q must not contain %q: %w", name, r, ErrInvalidName)
		}
	}
	return nil
}

// --- Namespace operations ---

// CreateNamespace creates a new namespace
func (s *BoltStore) CreateNamespace(name string) (*types.Namespace, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	ns := &types.Namespace{Name: name, CreatedAt: s.now()}
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		if b.Get([]byte(name)) != nil {
			return fmt.Errorf("namespace %s: %w", name, ErrNameConflict)
		}
		return putJSON(b, []byte(name), ns)
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// GetNamespace retrieves a namespace by name
func (s *BoltStore) GetNamespace(name string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("namespace %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

// ListNamespaces returns all namespaces ordered by name
func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, err
}

// DeleteNamespace deletes an empty namespace
func (s *BoltStore) DeleteNamespace(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("namespace %s: %w", name, ErrNotFound)
		}
		count, err := countEntities(tx, name)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("namespace %s owns %d entities: %w", name, count, ErrNamespaceNotEmpty)
		}
		return b.Delete([]byte(name))
	})
}

// CountEntities counts entities of every kind living in a namespace
func (s *BoltStore) CountEntities(namespace string) (int, error) {
	var count int
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		count, err = countEntities(tx, namespace)
		return err
	})
	return count, err
}

func countEntities(tx *bolt.Tx, namespace string) (int, error) {
	count := 0
	for _, kind := range types.EntityKinds {
		err := entityBucket(tx, kind).ForEach(func(k, v []byte) error {
			var entity types.Entity
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			if entity.Namespace == namespace {
				count++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// --- Entity operations ---

// CreateEntity creates an entity together with the first version of its chain
func (s *BoltStore) CreateEntity(kind types.EntityKind, namespace, name string, payload json.RawMessage, schemaVersion string) (*types.Entity, error) {
	if !kind.Versioned() {
		return nil, fmt.Errorf("kind %q is not versioned: %w", kind, ErrInvalidSpec)
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	canonical, err := types.CanonicalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", kind, name, err, ErrInvalidSpec)
	}

	key := types.GenKey(namespace, name)
	var entity *types.Entity
	err = s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNamespaces).Get([]byte(namespace)) == nil {
			return fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
		}

		b := entityBucket(tx, kind)
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNameConflict)
		}

		version, err := s.appendVersion(tx, kind, key, canonical, schemaVersion)
		if err != nil {
			return err
		}

		entity = &types.Entity{
			Kind:              kind,
			Key:               key,
			Name:              name,
			Namespace:         namespace,
			CurrentVersionKey: version.Key,
			CreatedAt:         version.CreatedAt,
		}
		if err := putJSON(b, []byte(key), entity); err != nil {
			return err
		}
		entity.Version = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateEntity appends a new version and repoints the head. When expectedHead
// is set the update only succeeds if the head has not moved since it was read.
func (s *BoltStore) UpdateEntity(kind types.EntityKind, key string, payload json.RawMessage, schemaVersion, expectedHead string) (*types.Entity, error) {
	canonical, err := types.CanonicalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", kind, key, err, ErrInvalidSpec)
	}

	var entity *types.Entity
	err = s.update(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		var err error
		entity, err = getEntity(b, kind, key)
		if err != nil {
			return err
		}
		if expectedHead != "" && entity.CurrentVersionKey != expectedHead {
			return fmt.Errorf("%s %s: head moved from %s to %s: %w", kind, key, expectedHead, entity.CurrentVersionKey, ErrConflict)
		}

		version, err := s.appendVersion(tx, kind, key, canonical, schemaVersion)
		if err != nil {
			return err
		}

		entity.CurrentVersionKey = version.Key
		if err := putJSON(b, []byte(key), entity); err != nil {
			return err
		}
		entity.Version = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetEntity retrieves an entity with its head version resolved
func (s *BoltStore) GetEntity(kind types.EntityKind, key string) (*types.Entity, error) {
	var entity *types.Entity
	err := s.view(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		var err error
		entity, err = getEntity(b, kind, key)
		if err != nil {
			return err
		}
		entity.Version, err = getVersion(tx, entity.CurrentVersionKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// ListEntities returns entities ordered by creation time, then key
func (s *BoltStore) ListEntities(kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error) {
	var entities []*types.Entity
	nameFilter := strings.ToLower(query.Name)

	err := s.view(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil {
			return fmt.Errorf("kind %q: %w", kind, ErrNotFound)
		}

		err := b.ForEach(func(k, v []byte) error {
			var entity types.Entity
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			if query.Namespace != "" && entity.Namespace != query.Namespace {
				return nil
			}
			if nameFilter != "" && !strings.Contains(strings.ToLower(entity.Name), nameFilter) {
				return nil
			}
			entities = append(entities, &entity)
			return nil
		})
		if err != nil {
			return err
		}

		sort.SliceStable(entities, func(i, j int) bool {
			if !entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
				return entities[i].CreatedAt.Before(entities[j].CreatedAt)
			}
			return entities[i].Key < entities[j].Key
		})
		entities = paginate(entities, query.Offset, query.Limit)

		for _, entity := range entities {
			entity.Version, err = getVersion(tx, entity.CurrentVersionKey)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func paginate(entities []*types.Entity, offset, limit int) []*types.Entity {
	if offset > 0 {
		if offset >= len(entities) {
			return nil
		}
		entities = entities[offset:]
	}
	if limit > 0 && limit < len(entities) {
		entities = entities[:limit]
	}
	return entities
}

// DeleteEntity removes an entity and its whole history chain
func (s *BoltStore) DeleteEntity(kind types.EntityKind, key string) (int, error) {
	err := s.update(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		history := tx.Bucket(bucketHistory)
		name := historyBucketName(kind, key)
		if chain := history.Bucket(name); chain != nil {
			versions := tx.Bucket(bucketVersions)
			err := chain.ForEach(func(_, versionKey []byte) error {
				return versions.Delete(versionKey)
			})
			if err != nil {
				return err
			}
			if err := history.DeleteBucket(name); err != nil {
				return err
			}
		}

		return b.Delete([]byte(key))
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// SetRuntimeAddress records the network address reported by the runtime
func (s *BoltStore) SetRuntimeAddress(kind types.EntityKind, key, addr string) (*types.Entity, error) {
	var entity *types.Entity
	err := s.update(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		var err error
		entity, err = getEntity(b, kind, key)
		if err != nil {
			return err
		}
		entity.RuntimeAddress = addr
		return putJSON(b, []byte(key), entity)
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// --- History operations ---

// ListHistory returns the versions of an entity, newest first
func (s *BoltStore) ListHistory(kind types.EntityKind, key string) ([]*types.Version, error) {
	var versions []*types.Version
	err := s.view(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		chain := tx.Bucket(bucketHistory).Bucket(historyBucketName(kind, key))
		if chain == nil {
			return fmt.Errorf("history of %s %s: %w", kind, key, ErrNotFound)
		}

		c := chain.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			version, err := getVersion(tx, string(v))
			if err != nil {
				return err
			}
			versions = append(versions, version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersion retrieves a version by its key
func (s *BoltStore) GetVersion(versionKey string) (*types.Version, error) {
	var version *types.Version
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		version, err = getVersion(tx, versionKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetEntityVersion retrieves a version and checks it belongs to the entity
func (s *BoltStore) GetEntityVersion(kind types.EntityKind, key, versionKey string) (*types.Version, error) {
	var version *types.Version
	err := s.view(func(tx *bolt.Tx) error {
		b := entityBucket(tx, kind)
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}

		var err error
		version, err = getVersion(tx, versionKey)
		if err != nil {
			return err
		}
		if version.EntityKind != kind || version.EntityKey != key {
			return fmt.Errorf("version %s belongs to %s %s: %w", versionKey, version.EntityKind, version.EntityKey, ErrForbidden)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// --- Apply record operations ---

// PushRecord stores a record on top of the stack for its fingerprint
func (s *BoltStore) PushRecord(record *types.Record) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketRecords), []byte(record.ID), record); err != nil {
			return err
		}
		index, err := tx.Bucket(bucketRecordIndex).CreateBucketIfNotExists([]byte(record.Fingerprint))
		if err != nil {
			return err
		}
		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		return index.Put(itob(seq), []byte(record.ID))
	})
}

// PopRecord removes and returns the newest record for a fingerprint
func (s *BoltStore) PopRecord(fingerprint string) (*types.Record, error) {
	var record types.Record
	err := s.update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketRecordIndex).Bucket([]byte(fingerprint))
		if index == nil {
			return fmt.Errorf("record for %s: %w", fingerprint, ErrNotFound)
		}

		seq, id := index.Cursor().Last()
		if seq == nil {
			return fmt.Errorf("record for %s: %w", fingerprint, ErrNotFound)
		}
		recordID := string(id)
		if err := index.Delete(seq); err != nil {
			return err
		}

		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		return records.Delete([]byte(recordID))
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetRecord retrieves a record by ID
func (s *BoltStore) GetRecord(id string) (*types.Record, error) {
	var record types.Record
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteRecord removes a record and its index entry
func (s *BoltStore) DeleteRecord(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		var record types.Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}

		if index := tx.Bucket(bucketRecordIndex).Bucket([]byte(record.Fingerprint)); index != nil {
			c := index.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if string(v) == id {
					if err := c.Delete(); err != nil {
						return err
					}
					break
				}
			}
		}
		return records.Delete([]byte(id))
	})
}

// --- helpers ---

func (s *BoltStore) appendVersion(tx *bolt.Tx, kind types.EntityKind, key string, payload []byte, schemaVersion string) (*types.Version, error) {
	chain, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists(historyBucketName(kind, key))
	if err != nil {
		return nil, fmt.Errorf("failed to open history of %s %s: %w", kind, key, err)
	}
	seq, err := chain.NextSequence()
	if err != nil {
		return nil, err
	}

	version := &types.Version{
		Key:           uuid.NewString(),
		EntityKind:    kind,
		EntityKey:     key,
		Seq:           seq,
		SchemaVersion: schemaVersion,
		CreatedAt:     s.now(),
		Payload:       payload,
	}
	if err := putJSON(tx.Bucket(bucketVersions), []byte(version.Key), version); err != nil {
		return nil, err
	}
	if err := chain.Put(itob(seq), []byte(version.Key)); err != nil {
		return nil, err
	}
	return version, nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	return wrapUnavailable(s.db.Update(fn))
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	return wrapUnavailable(s.db.View(fn))
}

func wrapUnavailable(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return fmt.Errorf("%v: %w", err, ErrStorageUnavailable)
	}
	return err
}

func entityBucket(tx *bolt.Tx, kind types.EntityKind) *bolt.Bucket {
	return tx.Bucket(bucketEntities).Bucket([]byte(kind))
}

func getEntity(b *bolt.Bucket, kind types.EntityKind, key string) (*types.Entity, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	var entity types.Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

func getVersion(tx *bolt.Tx, versionKey string) (*types.Version, error) {
	data := tx.Bucket(bucketVersions).Get([]byte(versionKey))
	if data == nil {
		return nil, fmt.Errorf("version %s: %w", versionKey, ErrNotFound)
	}
	var version types.Version
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func historyBucketName(kind types.EntityKind, key string) []byte {
	return []byte(string(kind) + "/" + key)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
