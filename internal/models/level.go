package models

// Level is a named experience tier.
type Level struct {
	Name     string `json:"name"`
	MinExp   int64  `json:"min_experience"`
	Position int    `json:"position"`
}

// Levels is ascending by MinExp and must start at zero.
var Levels = []Level{
	{Name: "Iniciante", MinExp: 0, Position: 1},
	{Name: "Explorador", MinExp: 100, Position: 2},
	{Name: "Caçador", MinExp: 300, Position: 3},
	{Name: "Especialista", MinExp: 600, Position: 4},
	{Name: "Mestre", MinExp: 1000, Position: 5},
	{Name: "Lenda", MinExp: 2000, Position: 6},
}

// LevelFor selects the highest level whose threshold does not exceed exp.
func LevelFor(exp int64) Level {
	for i := len(Levels) - 1; i >= 0; i-- {
		if exp >= Levels[i].MinExp {
			return Levels[i]
		}
	}
	return Levels[0]
}
