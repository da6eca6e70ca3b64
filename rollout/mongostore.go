package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/turnkit/item"
)

// MongoStore is a durable rollout Writer+Reader backed by a MongoDB
// collection, for deployments that need a queryable rollout log rather than
// a flat file (spec §6 "the core does not dictate file framing; it only
// requires total ordering and durable flush on shutdown").
//
// Grounded on features/runlog/mongo/clients/mongo/client.go's
// Append/List-over-a-collection pattern, adapted from run-event documents to
// rollout Records and from the v1 driver import paths to v2
// (go.mongodb.org/mongo-driver/v2), matching this module's go.mod.
type MongoStore struct {
	coll           *mongodriver.Collection
	conversationID string
	timeout        time.Duration
}

const defaultMongoTimeout = 5 * time.Second

// NewMongoStore opens the rollout collection for conversationID. Append
// order is preserved by a monotonically increasing Seq field assigned here
// rather than relying on Mongo's natural insertion order (which MongoDB does
// not guarantee is query-stable without an explicit sort key).
func NewMongoStore(client *mongodriver.Client, database, collection, conversationID string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("rollout: mongo client is required")
	}
	if collection == "" {
		collection = "rollout_records"
	}
	return &MongoStore{
		coll:           client.Database(database).Collection(collection),
		conversationID: conversationID,
		timeout:        defaultMongoTimeout,
	}, nil
}

type recordDocument struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ConversationID string        `bson:"conversation_id"`
	Seq            int64         `bson:"seq"`
	Kind           string        `bson:"kind"`
	Timestamp      time.Time     `bson:"timestamp"`
	Payload        []byte        `bson:"payload"` // JSON-encoded Record sans Kind/Timestamp
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Record implements Writer.
func (s *MongoStore) Record(ctx context.Context, rec Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("rollout: encode record: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("rollout: assign sequence: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	doc := recordDocument{
		ConversationID: s.conversationID,
		Seq:            seq,
		Kind:           string(rec.Kind),
		Timestamp:      ts,
		Payload:        payload,
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

// nextSeq counts existing records for the conversation to assign the next
// monotonic sequence number. A production deployment would back this with an
// atomic counter document; a count is sufficient here since the submission
// loop is this store's sole writer per spec §5.
func (s *MongoStore) nextSeq(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"conversation_id": s.conversationID})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Flush is a no-op: every Record call already performed a synchronous
// InsertOne, so there is nothing buffered to flush.
func (s *MongoStore) Flush(ctx context.Context) error { return nil }

// Shutdown is a no-op; the caller owns the *mongo.Client lifecycle.
func (s *MongoStore) Shutdown(ctx context.Context) error { return nil }

// Replay implements Reader, returning every record for the conversation in
// append order.
func (s *MongoStore) Replay(ctx context.Context) ([]Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx,
		bson.M{"conversation_id": s.conversationID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(RecordKind(doc.Kind), doc.Timestamp, doc.Payload)
		if err != nil {
			return nil, fmt.Errorf("rollout: decode record seq %d: %w", doc.Seq, err)
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

// wireRecord is the JSON-serializable projection of Record used for storage;
// item.Item and any nested `any` fields round-trip through item.Marshal/
// item.Unmarshal (see item/json.go) rather than Go's default JSON reflection,
// since Item is a closed interface, not a struct.
type wireRecord struct {
	ResponseItem json.RawMessage      `json:"response_item,omitempty"`
	EnvContext   *EnvContext          `json:"env_context,omitempty"`
	TurnContext  *TurnContextSnapshot `json:"turn_context,omitempty"`
	EventMsg     *EventMsg            `json:"event_msg,omitempty"`
	Compacted    *wireCompacted       `json:"compacted,omitempty"`
}

type wireCompacted struct {
	Message            string            `json:"message"`
	ReplacementHistory []json.RawMessage `json:"replacement_history,omitempty"`
}

func encodeRecord(rec Record) ([]byte, error) {
	w := wireRecord{EnvContext: rec.EnvContext, TurnContext: rec.TurnContext, EventMsg: rec.EventMsg}
	if rec.ResponseItem != nil {
		raw, err := item.Marshal(rec.ResponseItem)
		if err != nil {
			return nil, err
		}
		w.ResponseItem = raw
	}
	if rec.Compacted != nil {
		wc := &wireCompacted{Message: rec.Compacted.Message}
		for _, it := range rec.Compacted.ReplacementHistory {
			raw, err := item.Marshal(it)
			if err != nil {
				return nil, err
			}
			wc.ReplacementHistory = append(wc.ReplacementHistory, raw)
		}
		w.Compacted = wc
	}
	return json.Marshal(w)
}

func decodeRecord(kind RecordKind, ts time.Time, payload []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return Record{}, err
	}
	rec := Record{Kind: kind, Timestamp: ts, EnvContext: w.EnvContext, TurnContext: w.TurnContext, EventMsg: w.EventMsg}
	if len(w.ResponseItem) > 0 {
		it, err := item.Unmarshal(w.ResponseItem)
		if err != nil {
			return Record{}, err
		}
		rec.ResponseItem = it
	}
	if w.Compacted != nil {
		c := &Compacted{Message: w.Compacted.Message}
		for _, raw := range w.Compacted.ReplacementHistory {
			it, err := item.Unmarshal(raw)
			if err != nil {
				return Record{}, err
			}
			c.ReplacementHistory = append(c.ReplacementHistory, it)
		}
		rec.Compacted = c
	}
	return rec, nil
}
