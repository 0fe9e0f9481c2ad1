// Package store holds the row shapes shared by every backend and the durable,
// low-latency SQLite store that owns Things, Relationships, Actions and hot Artifacts.
package store

import (
	"fmt"
	"strings"
	"time"
)

// Key is the composite identity of a Thing.
type Key struct {
	NS   string `json:"ns"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// URL returns the canonical url derived from the key.
func (k Key) URL() string {
	return "https://" + k.NS + "/" + k.Type + "/" + k.ID
}

func (k Key) String() string { return k.URL() }

// Validate checks that every component is present and that ns and type contain no slash.
func (k Key) Validate() error {
	if k.NS == "" || k.Type == "" || k.ID == "" {
		return fmt.Errorf("key requires ns, type and id (got %q/%q/%q)", k.NS, k.Type, k.ID)
	}
	if strings.Contains(k.NS, "/") || strings.Contains(k.Type, "/") {
		return fmt.Errorf("ns and type must not contain '/' (got %q/%q)", k.NS, k.Type)
	}
	return nil
}

// ParseURL is the inverse of Key.URL. The id may itself contain slashes.
func ParseURL(u string) (Key, error) {
	rest := strings.TrimPrefix(u, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid thing url %q", u)
	}
	k := Key{NS: parts[0], Type: parts[1], ID: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, fmt.Errorf("invalid thing url %q: %w", u, err)
	}
	return k, nil
}

// Thing is a versioned graph node.
type Thing struct {
	NS        string                 `json:"ns"`
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	URL       string                 `json:"url"`
	Data      map[string]interface{} `json:"data"`
	Content   string                 `json:"content"`
	Context   string                 `json:"context,omitempty"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	DeletedAt *time.Time             `json:"deletedAt,omitempty"`
	SyncedAt  *time.Time             `json:"syncedAt,omitempty"`
}

// Key returns the composite key of the Thing.
func (t *Thing) Key() Key { return Key{NS: t.NS, Type: t.Type, ID: t.ID} }

// Deleted reports whether the Thing is soft-deleted.
func (t *Thing) Deleted() bool { return t.DeletedAt != nil }

// NewThing is the input to Create and Upsert. ID may be empty on Create.
type NewThing struct {
	NS      string
	Type    string
	ID      string
	Data    map[string]interface{}
	Content string
	Context string
}

// ThingPatch is the input to Update. Nil fields are left unchanged.
type ThingPatch struct {
	Data    map[string]interface{}
	Content *string
	Context *string
}

// Direction selects which side of an edge Traverse starts from.
type Direction int

const (
	// Forward follows edges from -> to by predicate.
	Forward Direction = iota
	// Backward follows edges to -> from by predicate or reverse label.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Relationship is a typed, directed edge between two Things, addressed by url.
type Relationship struct {
	ID        string                 `json:"id"`
	Predicate string                 `json:"predicate"`
	Reverse   string                 `json:"reverse,omitempty"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	DeletedAt *time.Time             `json:"deletedAt,omitempty"`
	SyncedAt  *time.Time             `json:"syncedAt,omitempty"`
}

// Event is an immutable Actor-Event-Object-Result activity entry.
type Event struct {
	ID         int64                  `json:"id"`
	NS         string                 `json:"ns"`
	Actor      string                 `json:"actor"`
	ActorData  map[string]interface{} `json:"actorData,omitempty"`
	Event      string                 `json:"event"`
	Object     string                 `json:"object,omitempty"`
	ObjectData map[string]interface{} `json:"objectData,omitempty"`
	Result     string                 `json:"result,omitempty"`
	ResultData map[string]interface{} `json:"resultData,omitempty"`
	Timestamp  time.Time              `json:"ts"`
	SyncedAt   *time.Time             `json:"syncedAt,omitempty"`
}

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionActive    ActionStatus = "active"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// Action is a trackable unit of asynchronous work.
type Action struct {
	ID          string                 `json:"id"`
	Actor       string                 `json:"actor"`
	Object      string                 `json:"object"`
	Action      string                 `json:"action"`
	Status      ActionStatus           `json:"status"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SyncedAt    *time.Time             `json:"syncedAt,omitempty"`
}

// ActionPatch carries the fields written by a transition.
type ActionPatch struct {
	Result map[string]interface{}
	Error  string
}

// ArtifactType is one of a closed set of derived output kinds.
type ArtifactType string

const (
	// compiled code
	ArtifactESM ArtifactType = "esm"
	ArtifactCJS ArtifactType = "cjs"
	ArtifactAST ArtifactType = "ast"
	// rendered
	ArtifactHTML     ArtifactType = "html"
	ArtifactMarkdown ArtifactType = "markdown"
	ArtifactText     ArtifactType = "text"
	// structured data
	ArtifactJSON   ArtifactType = "json"
	ArtifactJSONLD ArtifactType = "jsonld"
	ArtifactYAML   ArtifactType = "yaml"
	// search / RAG
	ArtifactChunks     ArtifactType = "chunks"
	ArtifactEmbeddings ArtifactType = "embeddings"
	// media
	ArtifactImage     ArtifactType = "image"
	ArtifactThumbnail ArtifactType = "thumbnail"
	ArtifactOGImage   ArtifactType = "og-image"
	// export
	ArtifactPDF  ArtifactType = "pdf"
	ArtifactEPUB ArtifactType = "epub"
	ArtifactDOCX ArtifactType = "docx"
)

var artifactTypes = map[ArtifactType]bool{
	ArtifactESM: true, ArtifactCJS: true, ArtifactAST: true,
	ArtifactHTML: true, ArtifactMarkdown: true, ArtifactText: true,
	ArtifactJSON: true, ArtifactJSONLD: true, ArtifactYAML: true,
	ArtifactChunks: true, ArtifactEmbeddings: true,
	ArtifactImage: true, ArtifactThumbnail: true, ArtifactOGImage: true,
	ArtifactPDF: true, ArtifactEPUB: true, ArtifactDOCX: true,
}

// Valid reports whether t belongs to the closed artifact type set.
func (t ArtifactType) Valid() bool { return artifactTypes[t] }

// Artifact is a cached derived output tied to the hash of its source.
type Artifact struct {
	Key        string       `json:"key"`
	Type       ArtifactType `json:"type"`
	Source     string       `json:"source"`
	SourceHash string       `json:"sourceHash"`
	Content    []byte       `json:"content"`
	Size       int64        `json:"size"`
	ExpiresAt  *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	SyncedAt   *time.Time   `json:"syncedAt,omitempty"`
}

// Expired reports whether the artifact's TTL has passed at now.
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Chunk is one ordered slice of a Thing's content, optionally embedded.
type Chunk struct {
	Parent    string    `json:"parent"`
	Index     int       `json:"chunkIndex"`
	NS        string    `json:"ns"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Model     string    `json:"model,omitempty"`
	Start     int       `json:"startOffset"`
	End       int       `json:"endOffset"`
}
