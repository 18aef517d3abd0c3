// Package memory is an in-process Store. Each operation holds the store lock
// for its whole read-and-write, which gives it the same atomicity the
// database adapters get from single-statement updates.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

type Store struct {
	mu      sync.Mutex
	users   map[string]*models.User
	reports map[string]*models.Report

	// fail, when set, is returned by the calls named in failOps (all calls
	// when failOps is empty). Lets tests simulate an outage.
	fail    error
	failOps map[string]bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:   make(map[string]*models.User),
		reports: make(map[string]*models.Report),
	}
}

// FailWith makes subsequent calls return err wrapped as StorageUnavailable.
// ops restricts the failure to the named operations ("update status",
// "increment points", ...). Pass a nil err to recover.
func (s *Store) FailWith(err error, ops ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
	s.failOps = make(map[string]bool, len(ops))
	for _, op := range ops {
		s.failOps[op] = true
	}
}

func (s *Store) check(op string) error {
	if s.fail == nil {
		return nil
	}
	if len(s.failOps) > 0 && !s.failOps[op] {
		return nil
	}
	return apperr.Storage(op, s.fail)
}

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create user"); err != nil {
		return err
	}
	if _, ok := s.users[u.ID]; ok {
		return apperr.Newf(apperr.InvalidInput, "user %s already exists", u.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return apperr.New(apperr.InvalidInput, "email already exists")
		}
	}
	cp := *u
	cp.Achievements = slices.Clone(u.Achievements)
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get user"); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get user by email"); err != nil {
		return nil, err
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "user not found")
}

func (s *Store) IncrementPoints(_ context.Context, id string, amount int64) (store.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment points"); err != nil {
		return store.Totals{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return store.Totals{}, apperr.New(apperr.NotFound, "user not found")
	}
	u.Points += amount
	u.Experience += amount
	u.UpdatedAt = time.Now()
	return store.Totals{Points: u.Points, Experience: u.Experience}, nil
}

func (s *Store) IncrementCounter(_ context.Context, id string, counter store.Counter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment counter"); err != nil {
		return 0, err
	}
	u, ok := s.users[id]
	if !ok {
		return 0, apperr.New(apperr.NotFound, "user not found")
	}
	switch counter {
	case store.CounterReportsMade:
		u.ReportsMade++
		return u.ReportsMade, nil
	case store.CounterSitesEliminated:
		u.SitesEliminated++
		return u.SitesEliminated, nil
	}
	return 0, apperr.Newf(apperr.InvalidInput, "unknown counter %q", counter)
}

func (s *Store) AddAchievement(_ context.Context, id, achievementID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("add achievement"); err != nil {
		return false, err
	}
	u, ok := s.users[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "user not found")
	}
	if slices.Contains(u.Achievements, achievementID) {
		return false, nil
	}
	u.Achievements = append(u.Achievements, achievementID)
	return true, nil
}

func (s *Store) ClaimReward(_ context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("claim reward"); err != nil {
		return false, err
	}
	u, ok := s.users[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "user not found")
	}
	if u.LastRewardAt != nil && u.LastRewardAt.After(now.Add(-interval)) {
		return false, nil
	}
	t := now
	u.LastRewardAt = &t
	return true, nil
}

func (s *Store) TopUsers(_ context.Context, limit int) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("top users"); err != nil {
		return nil, err
	}
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	slices.SortFunc(out, func(a, b *models.User) int {
		if a.Points != b.Points {
			return cmp.Compare(b.Points, a.Points)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UserTotals(_ context.Context) (store.UserTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("user totals"); err != nil {
		return store.UserTotals{}, err
	}
	t := store.UserTotals{Users: int64(len(s.users))}
	for _, u := range s.users {
		t.Points += u.Points
	}
	return t, nil
}

func (s *Store) CreateReport(_ context.Context, r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create report"); err != nil {
		return err
	}
	if _, ok := s.reports[r.ID]; ok {
		return apperr.Newf(apperr.InvalidInput, "report %s already exists", r.ID)
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *Store) GetReport(_ context.Context, id string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get report"); err != nil {
		return nil, err
	}
	r, ok := s.reports[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "report not found")
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateStatus(_ context.Context, c models.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("update status"); err != nil {
		return false, err
	}
	r, ok := s.reports[c.ReportID]
	if !ok {
		return false, apperr.New(apperr.NotFound, "report not found")
	}
	if r.Status != c.From {
		return false, nil
	}
	r.Status = c.To
	r.AgentID = c.AgentID
	if c.AgentNotes != "" {
		r.AgentNotes = c.AgentNotes
	}
	r.UpdatedAt = c.At
	if c.To == models.StatusEliminated {
		at := c.At
		r.ResolvedAt = &at
		r.PointsAwarded += c.Bonus
	}
	return true, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[models.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count reports"); err != nil {
		return nil, err
	}
	counts := make(map[models.Status]int64)
	for _, r := range s.reports {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *Store) Close() error { return nil }

func cloneUser(u *models.User) *models.User {
	cp := *u
	cp.Achievements = slices.Clone(u.Achievements)
	if u.LastRewardAt != nil {
		t := *u.LastRewardAt
		cp.LastRewardAt = &t
	}
	return &cp
}
