package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hazyhaar/harvester/runstate"
)

// mongoDoc is the stored shape. _id is the item id, so an upsert replaces
// an earlier capture of the same item.
type mongoDoc struct {
	ID         string            `bson:"_id"`
	RunID      string            `bson:"run_id"`
	ItemID     string            `bson:"item_id"`
	Label      string            `bson:"label,omitempty"`
	URL        string            `bson:"url,omitempty"`
	Status     string            `bson:"status"`
	CapturedAt time.Time         `bson:"captured_at"`
	Turns      []mongoTurn       `bson:"turns"`
	Evidence   map[string]string `bson:"evidence,omitempty"`
	Unverified []mongoTurn       `bson:"unverified_turns,omitempty"`
}

type mongoTurn struct {
	Index int    `bson:"index"`
	Role  string `bson:"role"`
	Text  string `bson:"text"`
}

// Mongo upserts records into a collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects to uri and ensures the indexes exist.
func NewMongo(ctx context.Context, uri, database, collection string) (*Mongo, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("sink: mongo: connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("sink: mongo: ping: %w", err)
	}

	m := &Mongo{client: client, coll: client.Database(database).Collection(collection)}
	_, err = m.coll.Indexes().CreateMany(cctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "item_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "captured_at", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("sink: mongo: indexes: %w", err)
	}
	return m, nil
}

func (m *Mongo) Write(ctx context.Context, runID string, rec runstate.Record) error {
	doc := toMongoDoc(runID, rec)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("sink: mongo: upsert %s: %w", rec.ItemID, err)
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func toMongoDoc(runID string, rec runstate.Record) mongoDoc {
	return mongoDoc{
		ID:         rec.ItemID,
		RunID:      runID,
		ItemID:     rec.ItemID,
		Label:      rec.Label,
		URL:        rec.URL,
		Status:     string(rec.Status),
		CapturedAt: rec.CapturedAt.UTC(),
		Turns:      mongoTurns(rec.Turns),
		Evidence:   rec.Evidence,
		Unverified: mongoTurns(rec.Unverified),
	}
}

func mongoTurns(turns []runstate.Turn) []mongoTurn {
	if turns == nil {
		return nil
	}
	out := make([]mongoTurn, len(turns))
	for i, t := range turns {
		out[i] = mongoTurn{Index: t.Index, Role: string(t.Role), Text: t.Text}
	}
	return out
}
