// Package mongo is the document-store adapter. Every mutation is a single
// update document ($inc, guarded $push, conditional $set) so concurrent
// writers never lose updates.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

type Store struct {
	client  *mongo.Client
	users   *mongo.Collection
	reports *mongo.Collection
}

var _ store.Store = (*Store)(nil)

func newStore(c *mongo.Client, db *mongo.Database) *Store {
	return &Store{client: c, users: db.Collection("users"), reports: db.Collection("reports")}
}

// Connect dials uri, pings it and ensures indexes on dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	log := logger.Get().With(zap.String("component", "mongo"))
	start := time.Now()
	log.Info("connecting", zap.String("uri", redactURI(uri)), zap.String("db", dbName))

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	c, err := mongo.Connect(dctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err = c.Ping(dctx, nil); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := newStore(c, c.Database(dbName))
	if err := s.createIndexes(ctx); err != nil {
		log.Warn("index creation warnings", zap.Error(err))
	}

	log.Info("connected", zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	ctxIdx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []string
	if _, err := s.users.Indexes().CreateOne(ctxIdx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		errs = append(errs, "users.email: "+err.Error())
	}
	if _, err := s.reports.Indexes().CreateOne(ctxIdx, mongo.IndexModel{
		Keys: bson.D{{Key: "reporter_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		errs = append(errs, "reports.reporter_id: "+err.Error())
	}
	if _, err := s.reports.Indexes().CreateOne(ctxIdx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		errs = append(errs, "reports.status: "+err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	doc := *u
	doc.Email = strings.ToLower(doc.Email)
	if doc.Achievements == nil {
		// $push needs an array, never null.
		doc.Achievements = []string{}
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.New(apperr.InvalidInput, "email already exists")
		}
		return apperr.Storage("create user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": strings.ToLower(email)})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	err := s.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return nil, apperr.Storage("get user", err)
	}
	return &u, nil
}

func (s *Store) IncrementPoints(ctx context.Context, id string, amount int64) (store.Totals, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"points": 1, "experience": 1})
	update := bson.M{
		"$inc": bson.M{"points": amount, "experience": amount},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	var out struct {
		Points     int64 `bson:"points"`
		Experience int64 `bson:"experience"`
	}
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Totals{}, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return store.Totals{}, apperr.Storage("increment points", err)
	}
	return store.Totals{Points: out.Points, Experience: out.Experience}, nil
}

func (s *Store) IncrementCounter(ctx context.Context, id string, counter store.Counter) (int64, error) {
	field := string(counter)
	switch counter {
	case store.CounterReportsMade, store.CounterSitesEliminated:
	default:
		return 0, apperr.Newf(apperr.InvalidInput, "unknown counter %q", counter)
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{field: 1})
	var out bson.M
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{field: int64(1)}}, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return 0, apperr.Storage("increment counter", err)
	}
	switch v := out[field].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	}
	return 0, apperr.Storage("increment counter", fmt.Errorf("unexpected %s type %T", field, out[field]))
}

// AddAchievement pushes only when the id is absent; the filter is the gate.
func (s *Store) AddAchievement(ctx context.Context, id, achievementID string, _ time.Time) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": id, "achievements": bson.M{"$ne": achievementID}},
		bson.M{"$push": bson.M{"achievements": achievementID}},
	)
	if err != nil {
		return false, apperr.Storage("add achievement", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	return false, s.userExists(ctx, id)
}

func (s *Store) ClaimReward(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_reward_at": bson.M{"$exists": false}},
			bson.M{"last_reward_at": nil},
			bson.M{"last_reward_at": bson.M{"$lte": now.Add(-interval).UTC()}},
		},
	}
	res, err := s.users.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"last_reward_at": now.UTC()}})
	if err != nil {
		return false, apperr.Storage("claim reward", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	return false, s.userExists(ctx, id)
}

// TopUsers reads the ranking. Password hashes are never loaded.
func (s *Store) TopUsers(ctx context.Context, limit int) ([]*models.User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "points", Value: -1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"password_hash": 0})
	cur, err := s.users.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, apperr.Storage("top users", err)
	}
	var users []*models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, apperr.Storage("top users", err)
	}
	return users, nil
}

func (s *Store) UserTotals(ctx context.Context) (store.UserTotals, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "users", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "points", Value: bson.D{{Key: "$sum", Value: "$points"}}},
		}}},
	}
	cur, err := s.users.Aggregate(ctx, pipeline)
	if err != nil {
		return store.UserTotals{}, apperr.Storage("user totals", err)
	}
	var out []struct {
		Users  int64 `bson:"users"`
		Points int64 `bson:"points"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return store.UserTotals{}, apperr.Storage("user totals", err)
	}
	if len(out) == 0 {
		return store.UserTotals{}, nil
	}
	return store.UserTotals{Users: out[0].Users, Points: out[0].Points}, nil
}

func (s *Store) userExists(ctx context.Context, id string) error {
	n, err := s.users.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.Storage("get user", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

func (s *Store) CreateReport(ctx context.Context, r *models.Report) error {
	if _, err := s.reports.InsertOne(ctx, r); err != nil {
		return apperr.Storage("create report", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var r models.Report
	err := s.reports.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.New(apperr.NotFound, "report not found")
	} else if err != nil {
		return nil, apperr.Storage("get report", err)
	}
	return &r, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.reports.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, apperr.Storage("count reports", err)
	}
	var out []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"n"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.Storage("count reports", err)
	}
	counts := make(map[models.Status]int64, len(out))
	for _, r := range out {
		counts[models.Status(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *Store) UpdateStatus(ctx context.Context, c models.StatusChange) (bool, error) {
	set := bson.M{
		"status":     c.To,
		"agent_id":   c.AgentID,
		"updated_at": c.At.UTC(),
	}
	if c.AgentNotes != "" {
		set["agent_notes"] = c.AgentNotes
	}
	if c.To == models.StatusEliminated {
		set["resolved_at"] = c.At.UTC()
	}
	update := bson.M{"$set": set}
	if c.Bonus > 0 {
		update["$inc"] = bson.M{"points_awarded": c.Bonus}
	}

	res, err := s.reports.UpdateOne(ctx, bson.M{"_id": c.ReportID, "status": c.From}, update)
	if err != nil {
		return false, apperr.Storage("update status", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.reports.CountDocuments(ctx, bson.M{"_id": c.ReportID})
	if err != nil {
		return false, apperr.Storage("update status", err)
	}
	if n == 0 {
		return false, apperr.New(apperr.NotFound, "report not found")
	}
	return false, nil
}

func redactURI(raw string) string {
	if raw == "" || !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.UserPassword("****", "****")
	return u.String()
}
