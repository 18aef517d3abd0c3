package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
	"github.com/tahcohcat/dengue-tracker/internal/store/memory"
)

// recorder is a Notifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) count(t models.EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store        *memory.Store
	notifier     *recorder
	ledger       *Ledger
	achievements *AchievementService
	reports      *ReportService
	users        *UserService
}

func newFixture(t *testing.T, catalogue []models.Achievement) *fixture {
	t.Helper()
	st := memory.New()
	rec := &recorder{}
	ledger := NewLedger(st)
	achievements := NewAchievementService(st, ledger, catalogue)
	return &fixture{
		store:        st,
		notifier:     rec,
		ledger:       ledger,
		achievements: achievements,
		reports:      NewReportService(st, st, ledger, achievements, rec),
		users:        NewUserService(st, ledger, achievements, rec, 10, 24*time.Hour),
	}
}

func addUser(t *testing.T, st store.Users, id string, role models.Role) Actor {
	t.Helper()
	u := &models.User{ID: id, Name: "user " + id, Email: id + "@example.com", Role: role, Achievements: []string{}}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", id, err)
	}
	return Actor{ID: id, Name: u.Name, Role: role}
}

func mustUser(t *testing.T, st store.Users, id string) *models.User {
	t.Helper()
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", id, err)
	}
	return u
}
