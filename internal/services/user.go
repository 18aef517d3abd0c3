package services

import (
	"context"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

// CreateUserRequest represents a registration request
type CreateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// DailyResult is a successful daily reward claim.
type DailyResult struct {
	Award    Award
	Unlocked []Unlocked
}

type UserService struct {
	users        store.Users
	ledger       *Ledger
	achievements *AchievementService
	notifier     Notifier
	reward       int64
	interval     time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func NewUserService(users store.Users, ledger *Ledger, achievements *AchievementService, notifier Notifier, reward int64, interval time.Duration) *UserService {
	return &UserService{
		users:        users,
		ledger:       ledger,
		achievements: achievements,
		notifier:     notifier,
		reward:       reward,
		interval:     interval,
		now:          time.Now,
		log:          logger.Named("users"),
	}
}

// CreateUser registers a citizen account. Staff roles are assigned out of band.
func (s *UserService) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 3 || n > 100 {
		return nil, apperr.New(apperr.InvalidInput, "name must be between 3 and 100 characters")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "invalid email address")
	}
	if len(req.Password) < 8 {
		return nil, apperr.New(apperr.InvalidInput, "password must be at least 8 characters")
	}

	now := s.now()
	user := &models.User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        strings.ToLower(addr.Address),
		Role:         models.RoleUser,
		Achievements: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.SetPassword(req.Password); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to hash password", err)
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// GetUser retrieves a user by their ID
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.users.GetUser(ctx, id)
}

// ClaimDaily pays the daily reward at most once per interval. The claim is
// a conditional write on the user's last reward time, so concurrent claims
// pay once.
func (s *UserService) ClaimDaily(ctx context.Context, actor Actor) (*DailyResult, error) {
	claimed, err := s.users.ClaimReward(ctx, actor.ID, s.now(), s.interval)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.New(apperr.RateLimited, "daily reward already claimed")
	}

	award, err := s.ledger.Award(ctx, actor.ID, s.reward, ReasonDailyReward)
	if err != nil {
		return nil, err
	}
	_, unlocked, err := s.achievements.EvaluateUser(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(award.Event(actor.Name))
	for _, u := range unlocked {
		for _, evt := range u.Events(actor.Name) {
			s.notifier.Publish(evt)
		}
	}
	return &DailyResult{Award: award, Unlocked: unlocked}, nil
}
