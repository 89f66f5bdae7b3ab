// Package metadata keeps the durable per-document record in Firestore, one
// document per canonical source URL.
package metadata

import (
	"context"
	"sort"
	"strconv"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentingest/internal/models"
	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

// Firestore implements the metadata store on a single collection.
type Firestore struct {
	client     *firestore.Client
	collection string
}

// NewFirestore creates a metadata store on the given collection.
func NewFirestore(client *firestore.Client, collection string) *Firestore {
	if collection == "" {
		collection = "documents"
	}
	return &Firestore{client: client, collection: collection}
}

func (s *Firestore) doc(recordID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(recordID)
}

// Get returns the record for the given ID, or nil if none exists yet.
func (s *Firestore) Get(ctx context.Context, recordID string) (*models.DocumentRecord, error) {
	snap, err := s.doc(recordID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &pipeline.StorageError{Op: "get", Key: recordID, Cause: err}
	}

	var rec models.DocumentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, &pipeline.StorageError{Op: "decode", Key: recordID, Cause: err}
	}
	return &rec, nil
}

// Create writes the initial record. A record that already exists is left
// untouched: creation races on redelivered messages resolve to the first
// writer.
func (s *Firestore) Create(ctx context.Context, recordID string, rec *models.DocumentRecord) error {
	_, err := s.doc(recordID).Create(ctx, rec)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return &pipeline.StorageError{Op: "create", Key: recordID, Cause: err}
	}
	return nil
}

// UpdateStage sets the status and the stage's fields as one partial update.
// Transitions that would move the status backwards are skipped entirely, so
// a stale redelivered message cannot regress a record; re-applying the
// current status just rewrites the same field values.
func (s *Firestore) UpdateStage(ctx context.Context, recordID, newStatus string, fields map[string]any) error {
	ref := s.doc(recordID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, _ := snap.DataAt("status")
		currentStatus, _ := current.(string)
		if currentStatus != newStatus && !models.StatusAdvances(currentStatus, newStatus) {
			return nil
		}

		updates := []firestore.Update{{Path: "status", Value: newStatus}}
		for _, path := range sortedKeys(fields) {
			updates = append(updates, firestore.Update{Path: path, Value: fields[path]})
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return &pipeline.StorageError{Op: "update", Key: recordID, Cause: err}
	}
	return nil
}

// SetPageText records the text artifact location for one 1-based page. Each
// page writes only its own map entry, so concurrent page extractions merge
// instead of clobbering each other.
func (s *Firestore) SetPageText(ctx context.Context, recordID string, page int, location string) error {
	_, err := s.doc(recordID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"pageTexts", strconv.Itoa(page)}, Value: location},
	})
	if err != nil {
		return &pipeline.StorageError{Op: "update", Key: recordID, Cause: err}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
