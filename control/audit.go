package control

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dataflowrt/core/tenerr"
)

// Record is one start_graph/stop_graph outcome appended to the audit
// ledger, including partial failures and rollbacks.
type Record struct {
	GraphID    string    `bson:"graph_id" json:"graph_id"`
	Operation  string    `bson:"operation" json:"operation"`
	Outcome    string    `bson:"outcome" json:"outcome"`
	Detail     string    `bson:"detail,omitempty" json:"detail,omitempty"`
	RemoteApps []string  `bson:"remote_apps,omitempty" json:"remote_apps,omitempty"`
	At         time.Time `bson:"at" json:"at"`
}

// Sink receives audit records. The controller never blocks graph
// operations on a sink error; failures are logged and dropped.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// NoopSink discards every record; the default when no ledger is
// configured.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(context.Context, Record) error { return nil }

// MongoSink persists the ledger for post-mortem debugging across app
// restarts.
type MongoSink struct {
	coll *mongo.Collection
}

// auditCollection is the default collection name.
const auditCollection = "graph_audit"

// NewMongoSink writes records into db's graph_audit collection.
func NewMongoSink(client *mongo.Client, db string) *MongoSink {
	return &MongoSink{coll: client.Database(db).Collection(auditCollection)}
}

// Record implements Sink.
func (s *MongoSink) Record(ctx context.Context, rec Record) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "appending audit record for graph %q", rec.GraphID)
	}
	return nil
}
