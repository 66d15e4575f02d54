package backend

import (
	"context"
)

// Health is the coarse availability of a backend.
type Health int

const (
	Up Health = iota
	Degraded
	Down
)

func (h Health) String() string {
	switch h {
	case Up:
		return "up"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Kind identifies which capability trait a backend implements.
type Kind string

const (
	KindKeyValue Kind = "kv"
	KindVector   Kind = "vector"
	KindGraph    Kind = "graph"
	KindDocument Kind = "document"
)

// Backend is the part every store shares.
type Backend interface {
	Name() string
	Health(ctx context.Context) Health
	Close() error
}

// KVWrite is one write in an atomic key-value batch. A nil Value deletes.
type KVWrite struct {
	Key   string
	Value []byte
}

// KeyValueStore is an ordered key-value store.
type KeyValueStore interface {
	Backend
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan visits keys with the given prefix in ascending order until fn returns false.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error
	// Batch applies all writes atomically.
	Batch(ctx context.Context, writes []KVWrite) error
}

// VectorItem is a stored embedding with its metadata.
type VectorItem struct {
	ID        string
	Embedding []float32
	Metadata  map[string]string
	Content   string
}

// Match is a similarity query hit.
type Match struct {
	VectorItem
	Similarity float32
}

// VectorStore is a similarity-searchable embedding store.
type VectorStore interface {
	Backend
	Upsert(ctx context.Context, item VectorItem) error
	Get(ctx context.Context, id string) (VectorItem, error)
	Query(ctx context.Context, embedding []float32, k int) ([]Match, error)
	Delete(ctx context.Context, id string) error
}

// Node is a graph vertex holding a record.
type Node struct {
	ID        string
	Namespace string
	Version   int64
	Payload   string
}

// Edge is a directed, typed relation between two node ids.
type Edge struct {
	From string
	To   string
	Type string
}

// Visit is one node reached by Traverse.
type Visit struct {
	Node     Node
	Depth    int
	Via      string
	Outgoing bool
}

// NodeWrite replaces a node and its outgoing edges, or deletes the node.
// Writes with a version not above the stored one are skipped.
type NodeWrite struct {
	Node   Node
	Edges  []Edge
	Delete bool
}

// GraphStore is a property graph with bounded traversal.
type GraphStore interface {
	Backend
	UpsertNode(ctx context.Context, n Node) error
	UpsertEdge(ctx context.Context, e Edge) error
	GetNode(ctx context.Context, id string) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	// Traverse walks relations breadth-first in both directions up to depth hops.
	Traverse(ctx context.Context, from string, depth int) ([]Visit, error)
	// Batch applies node writes atomically.
	Batch(ctx context.Context, writes []NodeWrite) error
}

// Document is a document-embedding record.
type Document struct {
	ID        string         `bson:"_id"`
	Namespace string         `bson:"namespace"`
	Payload   map[string]any `bson:"payload"`
	Embedding []float32      `bson:"embedding,omitempty"`
	Version   int64          `bson:"version"`
	TxID      string         `bson:"tx_id"`
	Tombstone bool           `bson:"tombstone,omitempty"`
}

// DocumentStore keeps whole records with their embeddings.
type DocumentStore interface {
	Backend
	PutDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (Document, error)
	DeleteDocument(ctx context.Context, id string) error
}
