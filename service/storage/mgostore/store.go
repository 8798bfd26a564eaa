package mgostore

import (
	"context"
	"time"

	"PPRelay/module/message"
	"PPRelay/tools/errs"
	"PPRelay/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store keeps messages in one collection, _id from the snowflake generator.
type Store struct {
	cli   *mongo.Client
	coll  *mongo.Collection
	ids   *ids.Generator
	users string
	uidF  string
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	cli, err := connect(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cli:   cli,
		coll:  cli.Database(cfg.Database).Collection(cfg.Collection),
		ids:   ids.NewGenerator(cfg.NodeID),
		users: cfg.UsersCollection,
		uidF:  cfg.UserIDField,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from_user_id", Value: 1}, {Key: "to_user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "to_user_id", Value: 1}, {Key: "read_at", Value: 1}}},
	})
	if err != nil {
		return errs.ErrStorage.Wrap(err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, m *message.Message) error {
	if !m.HasContent() {
		return errs.ErrValidation.WrapMsg("message and attachment both empty")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	// mongo 只保留到毫秒
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	m.ID = s.ids.Next()
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return errs.ErrStorage.Wrap(err)
	}
	return nil
}

func pairFilter(a, b int64) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"from_user_id": a, "to_user_id": b},
		bson.M{"from_user_id": b, "to_user_id": a},
	}}
}

func (s *Store) RangeByParticipants(ctx context.Context, a, b int64) ([]message.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, pairFilter(a, b), opts)
	if err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	out := make([]message.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	return out, nil
}

// summaryPipeline groups the user's messages by counterpart, keeping the
// newest one and counting the counterpart's unread messages.
func summaryPipeline(userID int64, usersColl, userIDField string) mongo.Pipeline {
	unread := bson.M{"$cond": bson.A{
		bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$to_user_id", userID}},
			bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$read_at", nil}}, nil}},
		}},
		1, 0,
	}}
	p := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"from_user_id": userID},
			bson.M{"to_user_id": userID},
		}}}},
		{{Key: "$addFields", Value: bson.M{"other_id": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$from_user_id", userID}}, "$to_user_id", "$from_user_id",
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id":               "$other_id",
			"last_message":      bson.M{"$first": bson.M{"$ifNull": bson.A{"$message", ""}}},
			"last_message_time": bson.M{"$first": "$created_at"},
			"unread_count":      bson.M{"$sum": unread},
		}}},
	}
	if usersColl != "" {
		p = append(p,
			bson.D{{Key: "$lookup", Value: bson.M{
				"from":         usersColl,
				"localField":   "_id",
				"foreignField": userIDField,
				"as":           "user",
			}}},
			bson.D{{Key: "$addFields", Value: bson.M{
				"username": bson.M{"$ifNull": bson.A{bson.M{"$arrayElemAt": bson.A{"$user.username", 0}}, ""}},
			}}},
			bson.D{{Key: "$project", Value: bson.M{"user": 0}}},
		)
	}
	return append(p, bson.D{{Key: "$sort", Value: bson.D{{Key: "last_message_time", Value: -1}}}})
}

func (s *Store) ConversationSummaries(ctx context.Context, userID int64) ([]message.Summary, error) {
	cur, err := s.coll.Aggregate(ctx, summaryPipeline(userID, s.users, s.uidF))
	if err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	out := make([]message.Summary, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, recipientID, senderID int64, at time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"to_user_id": recipientID, "from_user_id": senderID, "read_at": nil},
		bson.M{"$set": bson.M{"read_at": at.UTC()}},
	)
	if err != nil {
		return 0, errs.ErrStorage.Wrap(err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) UnreadCounts(ctx context.Context) (map[int64]map[int64]int, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"read_at": nil}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"to": "$to_user_id", "from": "$from_user_id"},
			"n":   bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	var rows []struct {
		ID struct {
			To   int64 `bson:"to"`
			From int64 `bson:"from"`
		} `bson:"_id"`
		N int `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	out := make(map[int64]map[int64]int)
	for _, r := range rows {
		if out[r.ID.To] == nil {
			out[r.ID.To] = make(map[int64]int)
		}
		out[r.ID.To][r.ID.From] = r.N
	}
	return out, nil
}

func (s *Store) UnreadCountsFor(ctx context.Context, recipientID int64) (map[int64]int, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"to_user_id": recipientID, "read_at": nil}}},
		{{Key: "$group", Value: bson.M{"_id": "$from_user_id", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	var rows []struct {
		From int64 `bson:"_id"`
		N    int   `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.ErrStorage.Wrap(err)
	}
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.From] = r.N
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.cli.Ping(ctx, nil); err != nil {
		return errs.ErrStorage.Wrap(err)
	}
	return nil
}

func (s *Store) Close() { _ = s.cli.Disconnect(context.Background()) }

var _ message.Store = (*Store)(nil)
