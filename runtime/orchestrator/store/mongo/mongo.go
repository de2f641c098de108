// Package mongo provides a MongoDB implementation of the run store.
//
// This implementation persists run checkpoints to MongoDB for durability
// across restarts. Run leases live in a sibling "<collection>_leases"
// collection.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/stepfn/runtime/orchestrator/store"
)

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	collection *mongo.Collection
	leases     *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type (
	// runDocument is the MongoDB document representation of a Run. JSON
	// values are kept as raw bytes so memoized step values round trip
	// unchanged. Steps are stored as a list because step names are user
	// input and may not be valid field names.
	runDocument struct {
		ID        string         `bson:"_id"`
		FnID      string         `bson:"fn_id"`
		Status    string         `bson:"status"`
		Event     []byte         `bson:"event"`
		Steps     []stepDocument `bson:"steps"`
		Stack     []string       `bson:"stack"`
		Attempt   int64          `bson:"attempt"`
		Rounds    int            `bson:"rounds"`
		Output    []byte         `bson:"output,omitempty"`
		Error     []byte         `bson:"error,omitempty"`
		UpdatedAt time.Time      `bson:"updated_at"`
	}

	stepDocument struct {
		Name  string `bson:"name"`
		Value []byte `bson:"value"`
	}

	leaseDocument struct {
		ID        string    `bson:"_id"`
		Owner     string    `bson:"owner"`
		ExpiresAt time.Time `bson:"expires_at"`
	}
)

// New creates a new MongoDB store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{
		collection: collection,
		leases:     collection.Database().Collection(collection.Name() + "_leases"),
	}
}

// SaveRun stores or replaces run.
func (s *Store) SaveRun(ctx context.Context, run *store.Run) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": run.ID}, toDocument(run), opts); err != nil {
		return fmt.Errorf("mongodb save run %q: %w", run.ID, err)
	}
	return nil
}

// LoadRun retrieves a run by ID.
func (s *Store) LoadRun(ctx context.Context, id string) (*store.Run, error) {
	var doc runDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load run %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// DeleteRun removes a run by ID.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete run %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AcquireLease makes owner the driver of the run for ttl. The upsert only
// matches a lease held by owner or expired; any other lease makes the insert
// collide on _id.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl)}}
	if _, err := s.leases.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrLeased
		}
		return fmt.Errorf("mongodb acquire lease of run %q: %w", id, err)
	}
	return nil
}

// ReleaseLease ends the lease of owner.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	if _, err := s.leases.DeleteOne(ctx, bson.M{"_id": id, "owner": owner}); err != nil {
		return fmt.Errorf("mongodb release lease of run %q: %w", id, err)
	}
	return nil
}

func toDocument(run *store.Run) *runDocument {
	steps := make([]stepDocument, 0, len(run.Steps))
	for _, name := range slices.Sorted(maps.Keys(run.Steps)) {
		steps = append(steps, stepDocument{Name: name, Value: run.Steps[name]})
	}
	stack := run.Stack
	if stack == nil {
		stack = []string{}
	}
	return &runDocument{
		ID:        run.ID,
		FnID:      run.FnID,
		Status:    string(run.Status),
		Event:     run.Event,
		Steps:     steps,
		Stack:     stack,
		Attempt:   int64(run.Attempt),
		Rounds:    run.Rounds,
		Output:    run.Output,
		Error:     run.Error,
		UpdatedAt: run.UpdatedAt.UTC(),
	}
}

func fromDocument(doc *runDocument) *store.Run {
	run := &store.Run{
		ID:        doc.ID,
		FnID:      doc.FnID,
		Status:    store.RunStatus(doc.Status),
		Event:     doc.Event,
		Steps:     make(map[string]json.RawMessage, len(doc.Steps)),
		Stack:     doc.Stack,
		Attempt:   uint(doc.Attempt),
		Rounds:    doc.Rounds,
		Output:    doc.Output,
		Error:     doc.Error,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, st := range doc.Steps {
		run.Steps[st.Name] = st.Value
	}
	return run
}
