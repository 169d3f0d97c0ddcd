package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures the Firestore checkpoint store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// firestoreRecord is the document layout. expire_at can back a native
// Firestore TTL policy; Sweep does not depend on it.
type firestoreRecord struct {
	Origin        string    `firestore:"origin"`
	ThreadID      string    `firestore:"thread_id"`
	OwnerID       string    `firestore:"owner_id"`
	Payload       string    `firestore:"payload"`
	LastTouchedAt time.Time `firestore:"last_touched_at"`
	ExpireAt      time.Time `firestore:"expire_at"`
}

// FirestoreStore keeps one document per thread.
type FirestoreStore struct {
	client  *firestore.Client
	collRef *firestore.CollectionRef
	ttl     time.Duration
}

// NewFirestoreStore connects to Firestore using explicit credentials or ADC.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig, ttl time.Duration) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "clinicflow_checkpoints"
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{
		client:  client,
		collRef: client.Collection(cfg.Collection),
		ttl:     ttl,
	}, nil
}

func docID(key Key) string {
	return string(key.Origin) + ":" + key.ThreadID
}

// Get reads the document for key.
func (s *FirestoreStore) Get(ctx context.Context, key Key) (*Checkpoint, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	snap, err := s.collRef.Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint document: %w", err)
	}
	if !snap.Exists() {
		return nil, ErrNotFound
	}

	var rec firestoreRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint document: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(rec.Payload), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Put overwrites the document for cp.
func (s *FirestoreStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	rec := firestoreRecord{
		Origin:        string(cp.Origin),
		ThreadID:      cp.ThreadID,
		OwnerID:       cp.OwnerID,
		Payload:       string(payload),
		LastTouchedAt: cp.LastTouchedAt.UTC(),
	}
	if s.ttl > 0 {
		rec.ExpireAt = cp.LastTouchedAt.Add(s.ttl).UTC()
	}

	if _, err := s.collRef.Doc(docID(cp.Key())).Set(ctx, rec); err != nil {
		return fmt.Errorf("set checkpoint document: %w", err)
	}
	return nil
}

// Sweep deletes documents last touched before olderThan.
func (s *FirestoreStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	bulkWriter := s.client.BulkWriter(ctx)
	defer bulkWriter.End()

	iter := s.collRef.Where("last_touched_at", "<", olderThan.UTC()).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("iterate checkpoints: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			return removed, fmt.Errorf("queue checkpoint delete: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
