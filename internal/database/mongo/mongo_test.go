package mongo

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

func TestRedactURI(t *testing.T) {
	got := redactURI("mongodb://admin:s3cret@db:27017/dengue")
	if strings.Contains(got, "s3cret") || strings.Contains(got, "admin") || !strings.Contains(got, "@db:27017/dengue") {
		t.Fatalf("redactURI leaked or mangled: %q", got)
	}
	for _, in := range []string{"mongodb://db:27017", "", "not a uri"} {
		if got := redactURI(in); got != in {
			t.Fatalf("redactURI(%q) = %q, want unchanged", in, got)
		}
	}
}

func updated(n, modified int) bson.D {
	return mtest.CreateSuccessResponse(
		bson.E{Key: "n", Value: n},
		bson.E{Key: "nModified", Value: modified},
	)
}

func counted(ns string, n int) bson.D {
	return mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{{Key: "n", Value: n}})
}

func TestAddAchievementGuardsPush(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("inserted", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(1, 1))

		inserted, err := s.AddAchievement(context.Background(), "u1", "primeiro-passo", time.Now())
		if err != nil || !inserted {
			mt.Fatalf("AddAchievement = %v, %v; want true, nil", inserted, err)
		}

		cmd := mt.GetStartedEvent().Command
		if got := cmd.Lookup("updates", "0", "q", "achievements", "$ne").StringValue(); got != "primeiro-passo" {
			mt.Fatalf("filter $ne = %q, want primeiro-passo", got)
		}
		if got := cmd.Lookup("updates", "0", "u", "$push", "achievements").StringValue(); got != "primeiro-passo" {
			mt.Fatalf("$push = %q, want primeiro-passo", got)
		}
	})

	mt.Run("already unlocked", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(0, 0), counted("test.users", 1))

		inserted, err := s.AddAchievement(context.Background(), "u1", "primeiro-passo", time.Now())
		if err != nil || inserted {
			mt.Fatalf("AddAchievement = %v, %v; want false, nil", inserted, err)
		}
	})

	mt.Run("unknown user", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(0, 0), counted("test.users", 0))

		_, err := s.AddAchievement(context.Background(), "ghost", "primeiro-passo", time.Now())
		if apperr.KindOf(err) != apperr.NotFound {
			mt.Fatalf("err = %v, want NotFound", err)
		}
	})
}

func TestClaimRewardIsConditional(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mt.Run("claimed", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(1, 1))

		claimed, err := s.ClaimReward(context.Background(), "u1", now, 24*time.Hour)
		if err != nil || !claimed {
			mt.Fatalf("ClaimReward = %v, %v; want true, nil", claimed, err)
		}

		cmd := mt.GetStartedEvent().Command
		or, ok := cmd.Lookup("updates", "0", "q", "$or").ArrayOK()
		if !ok {
			mt.Fatalf("filter has no $or guard: %s", cmd)
		}
		if vals, _ := or.Values(); len(vals) != 3 {
			mt.Fatalf("$or has %d branches, want 3", len(vals))
		}
		cutoff := cmd.Lookup("updates", "0", "q", "$or", "2", "last_reward_at", "$lte").Time()
		if !cutoff.Equal(now.Add(-24 * time.Hour)) {
			mt.Fatalf("cutoff = %s, want %s", cutoff, now.Add(-24*time.Hour))
		}
		if set := cmd.Lookup("updates", "0", "u", "$set", "last_reward_at").Time(); !set.Equal(now) {
			mt.Fatalf("last_reward_at = %s, want %s", set, now)
		}
	})

	mt.Run("too soon", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(0, 0), counted("test.users", 1))

		claimed, err := s.ClaimReward(context.Background(), "u1", now, 24*time.Hour)
		if err != nil || claimed {
			mt.Fatalf("ClaimReward = %v, %v; want false, nil", claimed, err)
		}
	})
}

func TestIncrementPointsReturnsTotals(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("incremented", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: "u1"},
			{Key: "points", Value: int64(35)},
			{Key: "experience", Value: int64(40)},
		}}))

		totals, err := s.IncrementPoints(context.Background(), "u1", 25)
		if err != nil {
			mt.Fatalf("IncrementPoints: %v", err)
		}
		if totals != (store.Totals{Points: 35, Experience: 40}) {
			mt.Fatalf("totals = %+v, want {35 40}", totals)
		}
		cmd := mt.GetStartedEvent().Command
		if got := cmd.Lookup("update", "$inc", "points").AsInt64(); got != 25 {
			mt.Fatalf("$inc points = %d, want 25", got)
		}
	})

	mt.Run("storage failure", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 2, Name: "BadValue", Message: "bad value at shard-3",
		}))

		_, err := s.IncrementPoints(context.Background(), "u1", 25)
		if apperr.KindOf(err) != apperr.StorageUnavailable {
			mt.Fatalf("err = %v, want StorageUnavailable", err)
		}
		if strings.Contains(apperr.Public(err), "shard-3") {
			mt.Fatalf("public message leaks driver detail: %q", apperr.Public(err))
		}
	})
}

func TestUpdateStatusFiltersOnCurrentStatus(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	change := models.StatusChange{
		ReportID: "r1",
		From:     models.StatusPending,
		To:       models.StatusEliminated,
		AgentID:  "agent",
		Bonus:    20,
		At:       time.Now(),
	}

	mt.Run("applied", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(1, 1))

		applied, err := s.UpdateStatus(context.Background(), change)
		if err != nil || !applied {
			mt.Fatalf("UpdateStatus = %v, %v; want true, nil", applied, err)
		}
		cmd := mt.GetStartedEvent().Command
		if got := cmd.Lookup("updates", "0", "q", "status").StringValue(); got != string(models.StatusPending) {
			mt.Fatalf("status filter = %q, want pending", got)
		}
		if got := cmd.Lookup("updates", "0", "u", "$inc", "points_awarded").AsInt64(); got != 20 {
			mt.Fatalf("$inc points_awarded = %d, want 20", got)
		}
	})

	mt.Run("lost race", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(updated(0, 0), counted("test.reports", 1))

		applied, err := s.UpdateStatus(context.Background(), change)
		if err != nil || applied {
			mt.Fatalf("UpdateStatus = %v, %v; want false, nil", applied, err)
		}
	})
}

func TestTopUsersAndCounts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("top users", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Ana"}, {Key: "points", Value: int64(120)}},
			bson.D{{Key: "_id", Value: "b"}, {Key: "name", Value: "Bia"}, {Key: "points", Value: int64(40)}},
		))

		users, err := s.TopUsers(context.Background(), 2)
		if err != nil {
			mt.Fatalf("TopUsers: %v", err)
		}
		if len(users) != 2 || users[0].ID != "a" || users[1].Points != 40 {
			mt.Fatalf("users = %+v", users)
		}
		cmd := mt.GetStartedEvent().Command
		if got := cmd.Lookup("sort", "points").AsInt64(); got != -1 {
			mt.Fatalf("sort points = %d, want -1", got)
		}
		if got := cmd.Lookup("limit").AsInt64(); got != 2 {
			mt.Fatalf("limit = %d, want 2", got)
		}
	})

	mt.Run("count by status", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.reports", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "pending"}, {Key: "n", Value: int64(3)}},
			bson.D{{Key: "_id", Value: "eliminated"}, {Key: "n", Value: int64(1)}},
		))

		counts, err := s.CountByStatus(context.Background())
		if err != nil {
			mt.Fatalf("CountByStatus: %v", err)
		}
		if counts[models.StatusPending] != 3 || counts[models.StatusEliminated] != 1 || len(counts) != 2 {
			mt.Fatalf("counts = %v", counts)
		}
	})

	mt.Run("user totals", func(mt *mtest.T) {
		s := newStore(mt.Client, mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: nil}, {Key: "users", Value: int64(4)}, {Key: "points", Value: int64(310)}},
		))

		totals, err := s.UserTotals(context.Background())
		if err != nil {
			mt.Fatalf("UserTotals: %v", err)
		}
		if totals != (store.UserTotals{Users: 4, Points: 310}) {
			mt.Fatalf("totals = %+v, want {4 310}", totals)
		}
	})
}
