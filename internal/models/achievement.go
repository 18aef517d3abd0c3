package models

// Achievement is a static catalogue entry. Unlock state lives on the user.
type Achievement struct {
	ID          string                `json:"id"`
	Icon        string                `json:"icon"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Reward      int64                 `json:"reward"`
	Unlocks     func(c Counters) bool `json:"-"`
}

type AchievementView struct {
	Achievement
	Unlocked bool `json:"unlocked"`
}
