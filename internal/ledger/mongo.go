package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// MongoCollection is the collection a MongoStore writes to.
const MongoCollection = "audit_records"

type mongoRecord struct {
	TenantID     string `bson:"tenant_id"`
	Seq          int64  `bson:"seq"`
	TimestampUTC string `bson:"timestamp_utc"`
	ActorID      string `bson:"actor_id"`
	ActorRole    string `bson:"actor_role"`
	EventType    string `bson:"event_type"`
	Payload      string `bson:"payload"` // canonical JSON text
	PrevHash     string `bson:"prev_hash"`
	RecordHash   string `bson:"record_hash"`
}

// MongoStore persists ledgers in MongoDB. A unique index on
// {tenant_id: 1, seq: 1} rejects a second record with the same seq, which
// surfaces as ErrSeqConflict; appends within one process are also serialized
// per tenant.
type MongoStore struct {
	coll   *mongo.Collection
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMongoStore ensures the unique index exists and returns a MongoStore
// writing with majority write concern.
func NewMongoStore(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*MongoStore, error) {
	coll := db.Collection(MongoCollection, options.Collection().SetWriteConcern(writeconcern.Majority()))
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("tenant_seq_unique"),
	}); err != nil {
		return nil, fmt.Errorf("create ledger index: %w", err)
	}
	return &MongoStore{coll: coll, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *MongoStore) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	return l
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, tenantID string, next NextFunc) (*Record, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	last, err := s.Last(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rec, err := next(last)
	if err != nil {
		return nil, err
	}
	if err := accept(rec, tenantID, last); err != nil {
		return nil, err
	}
	payload, err := canonical.Marshal(rec.Payload)
	if err != nil {
		return nil, err
	}

	doc := mongoRecord{
		TenantID:     rec.TenantID,
		Seq:          rec.Seq,
		TimestampUTC: rec.TimestampUTC,
		ActorID:      rec.ActorID,
		ActorRole:    rec.ActorRole,
		EventType:    rec.EventType,
		Payload:      string(payload),
		PrevHash:     rec.PrevHash,
		RecordHash:   rec.RecordHash,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: seq %d", ErrSeqConflict, rec.Seq)
		}
		return nil, fmt.Errorf("insert ledger record: %w", err)
	}

	s.logger.Debug("ledger record appended",
		zap.String("tenant_id", rec.TenantID),
		zap.Int64("seq", rec.Seq),
	)
	return rec, nil
}

// Last implements Store.
func (s *MongoStore) Last(ctx context.Context, tenantID string) (*Record, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx,
		bson.M{"tenant_id": tenantID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger tail: %w", err)
	}
	return doc.record()
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, tenantID string, seq int64) (*Record, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"tenant_id": tenantID, "seq": seq}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("seq %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger record %d: %w", seq, err)
	}
	return doc.record()
}

// List implements Store.
func (s *MongoStore) List(ctx context.Context, tenantID string, from, to int64) ([]*Record, error) {
	filter := bson.M{"tenant_id": tenantID}
	bounds := bson.M{}
	if from > 0 {
		bounds["$gte"] = from
	}
	if to > 0 {
		bounds["$lte"] = to
	}
	if len(bounds) > 0 {
		filter["seq"] = bounds
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	out := make([]*Record, 0, len(docs))
	for i := range docs {
		rec, err := docs[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len implements Store.
func (s *MongoStore) Len(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"tenant_id": tenantID})
	if err != nil {
		return 0, fmt.Errorf("count ledger records: %w", err)
	}
	return n, nil
}

// Tenants implements Store.
func (s *MongoStore) Tenants(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.coll.Distinct(ctx, "tenant_id", bson.D{}).Decode(&out); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store. The client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (d *mongoRecord) record() (*Record, error) {
	v, err := canonical.Normalize([]byte(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of seq %d: %w", d.Seq, err)
	}
	return &Record{
		Seq:          d.Seq,
		TimestampUTC: d.TimestampUTC,
		TenantID:     d.TenantID,
		ActorID:      d.ActorID,
		ActorRole:    d.ActorRole,
		EventType:    d.EventType,
		Payload:      v,
		PrevHash:     d.PrevHash,
		RecordHash:   d.RecordHash,
	}, nil
}
