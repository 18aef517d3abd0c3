package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

// Catalogue is the static achievement list, evaluated in order.
var Catalogue = []models.Achievement{
	{
		ID: "primeiro-passo", Icon: "🎯", Title: "Primeiro Passo",
		Description: "Faça seu primeiro reporte", Reward: 10,
		Unlocks: func(c models.Counters) bool { return c.ReportsMade >= 1 },
	},
	{
		ID: "reporter-ativo", Icon: "📝", Title: "Reporter Ativo",
		Description: "Realize 5 reportes", Reward: 25,
		Unlocks: func(c models.Counters) bool { return c.ReportsMade >= 5 },
	},
	{
		ID: "cacador-focos", Icon: "🔍", Title: "Caçador de Focos",
		Description: "Realize 10 reportes", Reward: 50,
		Unlocks: func(c models.Counters) bool { return c.ReportsMade >= 10 },
	},
	{
		ID: "eliminador-focos", Icon: "✅", Title: "Eliminador de Focos",
		Description: "Ajude a eliminar 5 focos", Reward: 40,
		Unlocks: func(c models.Counters) bool { return c.SitesEliminated >= 5 },
	},
	{
		ID: "pontos-100", Icon: "⭐", Title: "Cem Pontos",
		Description: "Alcance 100 pontos", Reward: 15,
		Unlocks: func(c models.Counters) bool { return c.Points >= 100 },
	},
	{
		ID: "especialista-dengue", Icon: "🎓", Title: "Especialista em Dengue",
		Description: "Alcance 500 pontos", Reward: 100,
		Unlocks: func(c models.Counters) bool { return c.Points >= 500 },
	},
	{
		ID: "lenda-comunidade", Icon: "🏆", Title: "Lenda da Comunidade",
		Description: "Alcance 1000 pontos", Reward: 200,
		Unlocks: func(c models.Counters) bool { return c.Points >= 1000 },
	},
}

// Unlocked is an achievement this evaluation inserted, with the reward it paid.
type Unlocked struct {
	Achievement models.Achievement
	Award       Award
}

// Events builds achievement.unlocked followed by the points.updated for its reward.
func (u Unlocked) Events(name string) []models.Event {
	return []models.Event{
		{
			Type:  models.EventAchievementUnlocked,
			Scope: models.Scope{UserID: u.Award.UserID},
			Payload: models.AchievementUnlockedPayload{
				UserID: u.Award.UserID,
				ID:     u.Achievement.ID,
				Name:   u.Achievement.Title,
				Icon:   u.Achievement.Icon,
				Reward: u.Achievement.Reward,
			},
		},
		u.Award.Event(name),
	}
}

// AchievementService unlocks catalogue achievements exactly once per user.
type AchievementService struct {
	users     store.Users
	ledger    *Ledger
	catalogue []models.Achievement
	now       func() time.Time
	log       *zap.Logger
}

func NewAchievementService(users store.Users, ledger *Ledger, catalogue []models.Achievement) *AchievementService {
	return &AchievementService{
		users:     users,
		ledger:    ledger,
		catalogue: catalogue,
		now:       time.Now,
		log:       logger.Named("achievements"),
	}
}

// Evaluate checks every catalogue entry not in unlocked against c. The
// storage insert is the gate: only the caller whose AddAchievement inserted
// the id pays the reward. Rewards feed back into c, so a reward that crosses
// a points threshold unlocks that achievement in the same call.
//
// On error the achievements unlocked so far are still returned.
func (s *AchievementService) Evaluate(ctx context.Context, userID string, unlocked []string, c models.Counters) ([]Unlocked, error) {
	have := make(map[string]bool, len(unlocked))
	for _, id := range unlocked {
		have[id] = true
	}

	var out []Unlocked
	for progress := true; progress; {
		progress = false
		for _, a := range s.catalogue {
			if have[a.ID] || !a.Unlocks(c) {
				continue
			}
			have[a.ID] = true

			inserted, err := s.users.AddAchievement(ctx, userID, a.ID, s.now())
			if err != nil {
				return out, err
			}
			if !inserted {
				continue
			}

			award, err := s.ledger.Award(ctx, userID, a.Reward, ReasonAchievement)
			if err != nil {
				s.log.Error("achievement unlocked without reward",
					zap.String("user_id", userID),
					zap.String("achievement", a.ID),
					zap.Error(err))
				return out, err
			}
			c.Points = award.After
			c.Experience = award.Experience
			out = append(out, Unlocked{Achievement: a, Award: award})
			progress = true

			s.log.Info("achievement unlocked",
				zap.String("user_id", userID),
				zap.String("achievement", a.ID),
				zap.Int64("reward", a.Reward))
		}
	}
	return out, nil
}

// EvaluateUser reads the user and evaluates their current counters.
func (s *AchievementService) EvaluateUser(ctx context.Context, userID string) (*models.User, []Unlocked, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	unlocked, err := s.Evaluate(ctx, userID, u.Achievements, u.Counters())
	return u, unlocked, err
}

// View lists the catalogue with u's unlock flags.
func (s *AchievementService) View(u *models.User) []models.AchievementView {
	views := make([]models.AchievementView, 0, len(s.catalogue))
	for _, a := range s.catalogue {
		views = append(views, models.AchievementView{Achievement: a, Unlocked: u.HasAchievement(a.ID)})
	}
	return views
}
