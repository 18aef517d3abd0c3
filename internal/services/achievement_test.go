package services

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/tahcohcat/dengue-tracker/internal/database"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

var hundredPoints = []models.Achievement{{
	ID: "pontos-100", Title: "Cem Pontos", Reward: 15,
	Unlocks: func(c models.Counters) bool { return c.Points >= 100 },
}}

func TestHundredPointAchievementPaysOnce(t *testing.T) {
	f := newFixture(t, hundredPoints)
	addUser(t, f.store, "u1", models.RoleUser)
	ctx := context.Background()

	if _, err := f.ledger.Award(ctx, "u1", 100, "test"); err != nil {
		t.Fatalf("Award: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := f.achievements.EvaluateUser(ctx, "u1"); err != nil {
			t.Fatalf("EvaluateUser: %v", err)
		}
	}

	u := mustUser(t, f.store, "u1")
	if len(u.Achievements) != 1 || u.Achievements[0] != "pontos-100" {
		t.Fatalf("achievements = %v, want [pontos-100]", u.Achievements)
	}
	if u.Points != 115 {
		t.Fatalf("points = %d, want 115", u.Points)
	}
}

// Stale counters passed twice must not double-pay: the second call sees the
// id missing from its snapshot but the insert refuses it.
func TestEvaluateWithStaleSnapshot(t *testing.T) {
	f := newFixture(t, hundredPoints)
	addUser(t, f.store, "u1", models.RoleUser)
	ctx := context.Background()
	f.ledger.Award(ctx, "u1", 100, "test")

	c := models.Counters{Points: 100, Experience: 100}
	first, err := f.achievements.Evaluate(ctx, "u1", nil, c)
	if err != nil || len(first) != 1 {
		t.Fatalf("first Evaluate = %v, %v; want one unlock", first, err)
	}
	second, err := f.achievements.Evaluate(ctx, "u1", nil, c)
	if err != nil || len(second) != 0 {
		t.Fatalf("second Evaluate = %v, %v; want none", second, err)
	}
	if u := mustUser(t, f.store, "u1"); u.Points != 115 {
		t.Fatalf("points = %d, want 115", u.Points)
	}
}

func concurrentEvaluations(t *testing.T, users store.Users) {
	t.Helper()
	ledger := NewLedger(users)
	svc := NewAchievementService(users, ledger, Catalogue)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		users.IncrementCounter(ctx, "u1", store.CounterReportsMade)
	}
	if _, err := ledger.Award(ctx, "u1", 120, "test"); err != nil {
		t.Fatalf("Award: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := models.Counters{Points: 120, Experience: 120, ReportsMade: 5}
			unlocked, err := svc.Evaluate(ctx, "u1", nil, c)
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			mu.Lock()
			total += len(unlocked)
			mu.Unlock()
		}()
	}
	wg.Wait()

	u := mustUser(t, users, "u1")
	slices.Sort(u.Achievements)
	want := []string{"pontos-100", "primeiro-passo", "reporter-ativo"}
	if !slices.Equal(u.Achievements, want) {
		t.Fatalf("achievements = %v, want %v", u.Achievements, want)
	}
	if total != len(want) {
		t.Fatalf("unlocks reported = %d, want %d", total, len(want))
	}
	if u.Points != 120+10+25+15 {
		t.Fatalf("points = %d, want %d", u.Points, 120+10+25+15)
	}
}

func TestConcurrentEvaluationsMemory(t *testing.T) {
	f := newFixture(t, Catalogue)
	addUser(t, f.store, "u1", models.RoleUser)
	concurrentEvaluations(t, f.store)
}

func TestConcurrentEvaluationsSQLite(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "achievements.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()
	addUser(t, db, "u1", models.RoleUser)
	concurrentEvaluations(t, db)
}

func TestRewardChainsIntoPointsAchievement(t *testing.T) {
	f := newFixture(t, Catalogue)
	addUser(t, f.store, "u1", models.RoleUser)
	ctx := context.Background()

	// 95 points and 5 eliminations: eliminador-focos pays 40, crossing 100.
	f.ledger.Award(ctx, "u1", 95, "test")
	for i := 0; i < 5; i++ {
		f.store.IncrementCounter(ctx, "u1", store.CounterSitesEliminated)
	}
	_, unlocked, err := f.achievements.EvaluateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("EvaluateUser: %v", err)
	}
	var ids []string
	for _, u := range unlocked {
		ids = append(ids, u.Achievement.ID)
	}
	if !slices.Equal(ids, []string{"eliminador-focos", "pontos-100"}) {
		t.Fatalf("unlocked = %v, want [eliminador-focos pontos-100]", ids)
	}
	if u := mustUser(t, f.store, "u1"); u.Points != 95+40+15 {
		t.Fatalf("points = %d, want %d", u.Points, 95+40+15)
	}
}

func TestAchievementView(t *testing.T) {
	f := newFixture(t, Catalogue)
	u := &models.User{Achievements: []string{"primeiro-passo"}}
	views := f.achievements.View(u)
	if len(views) != len(Catalogue) {
		t.Fatalf("views = %d, want %d", len(views), len(Catalogue))
	}
	for _, v := range views {
		if want := v.ID == "primeiro-passo"; v.Unlocked != want {
			t.Fatalf("%s unlocked = %v, want %v", v.ID, v.Unlocked, want)
		}
	}
}
