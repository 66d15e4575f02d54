package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/agentsync/internal/record"
)

// Target applies record operations to one backend.
//
// Apply is idempotent: an operation whose version is not above the version
// already stored for its key is skipped. Key-value and graph targets apply a
// batch atomically; vector and document targets apply operations in order and
// rely on the version guard when a retry re-applies part of a batch.
type Target interface {
	Name() string
	Kind() Kind
	Health(ctx context.Context) Health
	Apply(ctx context.Context, ops []record.Operation) error
	// Read returns the record stored for key, or ErrNotFound.
	Read(ctx context.Context, key string) (record.MemoryRecord, error)
}

// Adapt wraps a backend in the Target for its capability trait.
// Dispatch is on the trait the backend implements, never on its name.
func Adapt(b Backend) (Target, error) {
	switch s := b.(type) {
	case KeyValueStore:
		return &kvTarget{store: s}, nil
	case VectorStore:
		return &vectorTarget{store: s}, nil
	case GraphStore:
		return &graphTarget{store: s}, nil
	case DocumentStore:
		return &documentTarget{store: s}, nil
	default:
		return nil, fmt.Errorf("backend %s implements no capability trait", b.Name())
	}
}

// KindOf reports the capability trait b implements, or "" if none.
func KindOf(b Backend) Kind {
	switch b.(type) {
	case KeyValueStore:
		return KindKeyValue
	case VectorStore:
		return KindVector
	case GraphStore:
		return KindGraph
	case DocumentStore:
		return KindDocument
	}
	return ""
}

// versionCursor tracks the newest version seen per key while building a batch,
// so several operations on one key inside a transaction apply in order.
type versionCursor struct {
	seen map[string]int64
	load func(key string) (int64, error)
}

func (c *versionCursor) admit(op record.Operation) (bool, error) {
	key := op.Key()
	cur, ok := c.seen[key]
	if !ok {
		v, err := c.load(key)
		if err != nil {
			return false, err
		}
		cur = v
	}
	if op.Record.Version <= cur {
		c.seen[key] = cur
		return false, nil
	}
	c.seen[key] = op.Record.Version
	return true, nil
}

// encodeRecord serializes a record as a key-value value.
func encodeRecord(rec record.MemoryRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (record.MemoryRecord, error) {
	var rec record.MemoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

type kvTarget struct {
	store KeyValueStore
}

func (t *kvTarget) Name() string                      { return t.store.Name() }
func (t *kvTarget) Kind() Kind                        { return KindKeyValue }
func (t *kvTarget) Health(ctx context.Context) Health { return t.store.Health(ctx) }

func (t *kvTarget) storedVersion(ctx context.Context, key string) (int64, error) {
	data, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (t *kvTarget) Apply(ctx context.Context, ops []record.Operation) error {
	cursor := &versionCursor{
		seen: make(map[string]int64),
		load: func(key string) (int64, error) { return t.storedVersion(ctx, key) },
	}
	var writes []KVWrite
	for _, op := range ops {
		ok, err := cursor.admit(op)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec := op.Record
		if op.Kind == record.OpDelete {
			rec = record.MemoryRecord{
				ID: rec.ID, Namespace: rec.Namespace, TxID: rec.TxID,
				Origin: rec.Origin, Version: rec.Version, Tombstone: true,
			}
		}
		value, err := encodeRecord(rec)
		if err != nil {
			return &record.MalformedRecordError{Key: op.Key(), Reason: err.Error()}
		}
		writes = append(writes, KVWrite{Key: op.Key(), Value: value})
	}
	if len(writes) == 0 {
		return nil
	}
	return t.store.Batch(ctx, writes)
}

func (t *kvTarget) Read(ctx context.Context, key string) (record.MemoryRecord, error) {
	data, err := t.store.Get(ctx, key)
	if err != nil {
		return record.MemoryRecord{}, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return rec, err
	}
	if rec.Tombstone {
		return record.MemoryRecord{}, ErrNotFound
	}
	return rec, nil
}

// Metadata keys written alongside vectors.
const (
	metaVersion   = "version"
	metaNamespace = "namespace"
	metaID        = "id"
	metaTxID      = "tx_id"
)

type vectorTarget struct {
	store VectorStore
}

func (t *vectorTarget) Name() string                      { return t.store.Name() }
func (t *vectorTarget) Kind() Kind                        { return KindVector }
func (t *vectorTarget) Health(ctx context.Context) Health { return t.store.Health(ctx) }

func (t *vectorTarget) storedVersion(ctx context.Context, key string) (int64, error) {
	item, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, _ := strconv.ParseInt(item.Metadata[metaVersion], 10, 64)
	return v, nil
}

func (t *vectorTarget) Apply(ctx context.Context, ops []record.Operation) error {
	cursor := &versionCursor{
		seen: make(map[string]int64),
		load: func(key string) (int64, error) { return t.storedVersion(ctx, key) },
	}
	for _, op := range ops {
		ok, err := cursor.admit(op)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec := op.Record
		// Records without an embedding have nothing to index here.
		if op.Kind == record.OpDelete || len(rec.Embedding) == 0 {
			if err := t.store.Delete(ctx, op.Key()); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			continue
		}
		content, err := record.MarshalCanonical(payloadOrEmpty(rec.Payload))
		if err != nil {
			return &record.MalformedRecordError{Key: op.Key(), Reason: err.Error()}
		}
		item := VectorItem{
			ID:        op.Key(),
			Embedding: rec.Embedding,
			Content:   string(content),
			Metadata: map[string]string{
				metaVersion:   strconv.FormatInt(rec.Version, 10),
				metaNamespace: rec.Namespace,
				metaID:        rec.ID,
				metaTxID:      rec.TxID,
			},
		}
		if err := t.store.Upsert(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (t *vectorTarget) Read(ctx context.Context, key string) (record.MemoryRecord, error) {
	item, err := t.store.Get(ctx, key)
	if err != nil {
		return record.MemoryRecord{}, err
	}
	rec := record.MemoryRecord{
		ID:        item.Metadata[metaID],
		Namespace: item.Metadata[metaNamespace],
		TxID:      item.Metadata[metaTxID],
		Embedding: item.Embedding,
		Origin:    t.store.Name(),
	}
	rec.Version, _ = strconv.ParseInt(item.Metadata[metaVersion], 10, 64)
	if item.Content != "" {
		if err := json.Unmarshal([]byte(item.Content), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode vector content: %w", err)
		}
	}
	return rec, nil
}

type graphTarget struct {
	store GraphStore
}

func (t *graphTarget) Name() string                      { return t.store.Name() }
func (t *graphTarget) Kind() Kind                        { return KindGraph }
func (t *graphTarget) Health(ctx context.Context) Health { return t.store.Health(ctx) }

// Apply hands the whole batch to the store; the store enforces the version
// guard inside its own transaction.
func (t *graphTarget) Apply(ctx context.Context, ops []record.Operation) error {
	writes := make([]NodeWrite, 0, len(ops))
	for _, op := range ops {
		rec := op.Record
		node := Node{ID: op.Key(), Namespace: rec.Namespace, Version: rec.Version}
		if op.Kind == record.OpDelete {
			writes = append(writes, NodeWrite{Node: node, Delete: true})
			continue
		}
		payload, err := record.MarshalCanonical(payloadOrEmpty(rec.Payload))
		if err != nil {
			return &record.MalformedRecordError{Key: op.Key(), Reason: err.Error()}
		}
		node.Payload = string(payload)
		w := NodeWrite{Node: node}
		for _, rel := range rec.Relations {
			w.Edges = append(w.Edges, Edge{From: node.ID, To: rel.Target, Type: rel.Type})
		}
		writes = append(writes, w)
	}
	return t.store.Batch(ctx, writes)
}

func (t *graphTarget) Read(ctx context.Context, key string) (record.MemoryRecord, error) {
	node, err := t.store.GetNode(ctx, key)
	if err != nil {
		return record.MemoryRecord{}, err
	}
	rec := record.MemoryRecord{Namespace: node.Namespace, Version: node.Version, Origin: t.store.Name()}
	if _, id, ok := cutKey(node.ID); ok {
		rec.ID = id
	}
	if node.Payload != "" {
		if err := json.Unmarshal([]byte(node.Payload), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode node payload: %w", err)
		}
	}
	return rec, nil
}

type documentTarget struct {
	store DocumentStore
}

func (t *documentTarget) Name() string                      { return t.store.Name() }
func (t *documentTarget) Kind() Kind                        { return KindDocument }
func (t *documentTarget) Health(ctx context.Context) Health { return t.store.Health(ctx) }

func (t *documentTarget) storedVersion(ctx context.Context, key string) (int64, error) {
	doc, err := t.store.GetDocument(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (t *documentTarget) Apply(ctx context.Context, ops []record.Operation) error {
	cursor := &versionCursor{
		seen: make(map[string]int64),
		load: func(key string) (int64, error) { return t.storedVersion(ctx, key) },
	}
	for _, op := range ops {
		ok, err := cursor.admit(op)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec := op.Record
		doc := Document{
			ID:        op.Key(),
			Namespace: rec.Namespace,
			Version:   rec.Version,
			TxID:      rec.TxID,
		}
		if op.Kind == record.OpDelete {
			doc.Tombstone = true
		} else {
			doc.Payload = payloadOrEmpty(rec.Payload)
			doc.Embedding = rec.Embedding
		}
		if err := t.store.PutDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *documentTarget) Read(ctx context.Context, key string) (record.MemoryRecord, error) {
	doc, err := t.store.GetDocument(ctx, key)
	if err != nil {
		return record.MemoryRecord{}, err
	}
	if doc.Tombstone {
		return record.MemoryRecord{}, ErrNotFound
	}
	rec := record.MemoryRecord{
		Namespace: doc.Namespace,
		Payload:   doc.Payload,
		Embedding: doc.Embedding,
		TxID:      doc.TxID,
		Version:   doc.Version,
		Origin:    t.store.Name(),
	}
	if _, id, ok := cutKey(doc.ID); ok {
		rec.ID = id
	}
	return rec, nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

// cutKey splits "namespace/id".
func cutKey(key string) (namespace, id string, ok bool) {
	return strings.Cut(key, "/")
}
