package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/database"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
	"github.com/tahcohcat/dengue-tracker/internal/store/memory"
)

func TestAwardRejectsNegative(t *testing.T) {
	st := memory.New()
	addUser(t, st, "u1", models.RoleUser)
	_, err := NewLedger(st).Award(context.Background(), "u1", -1, "test")
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}

func TestAwardReportsBeforeAfterAndLevel(t *testing.T) {
	st := memory.New()
	addUser(t, st, "u1", models.RoleUser)
	l := NewLedger(st)

	if _, err := l.Award(context.Background(), "u1", 90, "test"); err != nil {
		t.Fatalf("Award: %v", err)
	}
	a, err := l.Award(context.Background(), "u1", 15, "test")
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if a.Before != 90 || a.After != 105 || a.Delta != 15 {
		t.Fatalf("award = %+v, want 90 → 105", a)
	}
	if a.Level.Name != "Explorador" {
		t.Fatalf("level = %s, want Explorador", a.Level.Name)
	}
}

func concurrentAwards(t *testing.T, users store.Users) {
	t.Helper()
	l := NewLedger(users)
	const workers = 20
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Award(context.Background(), "u1", amount, "test"); err != nil {
					errs <- err
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Award: %v", err)
	}

	// sum of 1..20, ten times each
	var want int64 = perWorker * workers * (workers + 1) / 2
	u := mustUser(t, users, "u1")
	if u.Points != want || u.Experience != want {
		t.Fatalf("points/experience = %d/%d, want %d", u.Points, u.Experience, want)
	}
	if got := u.Level(); got != models.LevelFor(want) {
		t.Fatalf("level = %+v, want %+v", got, models.LevelFor(want))
	}
}

func TestConcurrentAwardsMemory(t *testing.T) {
	st := memory.New()
	addUser(t, st, "u1", models.RoleUser)
	concurrentAwards(t, st)
}

func TestConcurrentAwardsSQLite(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()
	addUser(t, db, "u1", models.RoleUser)
	concurrentAwards(t, db)
}

func TestLevelNeverStale(t *testing.T) {
	st := memory.New()
	addUser(t, st, "u1", models.RoleUser)
	l := NewLedger(st)

	for _, amount := range []int64{50, 49, 1, 199, 1, 300, 400, 1000} {
		a, err := l.Award(context.Background(), "u1", amount, "test")
		if err != nil {
			t.Fatalf("Award: %v", err)
		}
		if a.Level != models.LevelFor(a.Experience) {
			t.Fatalf("after %d: level %s does not match experience %d", a.After, a.Level.Name, a.Experience)
		}
		if u := mustUser(t, st, "u1"); u.Level() != a.Level {
			t.Fatalf("stored user level %s, award level %s", u.Level().Name, a.Level.Name)
		}
	}
}

func TestCreationPoints(t *testing.T) {
	long := make([]rune, 120)
	for i := range long {
		long[i] = 'ã'
	}
	cases := []struct {
		site models.SiteType
		desc string
		want int64
	}{
		{models.SiteTire, string(long), 25},
		{models.SiteTire, "", 20},
		{models.SiteWaterTank, string(long[:100]), 22},
		{models.SiteWaterTank, string(long[:101]), 27},
		{models.SiteType("desconhecido"), "", 10},
	}
	for _, tc := range cases {
		if got := CreationPoints(tc.site, tc.desc); got != tc.want {
			t.Fatalf("CreationPoints(%s, %d chars) = %d, want %d", tc.site, len([]rune(tc.desc)), got, tc.want)
		}
	}
}
