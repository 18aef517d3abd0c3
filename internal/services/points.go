package services

import (
	"unicode/utf8"

	"github.com/tahcohcat/dengue-tracker/internal/models"
)

const (
	BasePoints       int64 = 10
	DetailBonus      int64 = 5
	EliminationBonus int64 = 20

	// DetailThreshold is the description length, in characters, that must be
	// exceeded to earn DetailBonus.
	DetailThreshold = 100
)

var siteBonus = map[models.SiteType]int64{
	models.SiteStandingWater: 5,
	models.SiteTire:          10,
	models.SitePlanter:       3,
	models.SiteTrash:         7,
	models.SiteBottle:        4,
	models.SitePool:          10,
	models.SiteWaterTank:     12,
	models.SiteGutter:        7,
	models.SiteOther:         2,
}

// SiteBonus is the extra award for siteType; unknown types earn nothing.
func SiteBonus(siteType models.SiteType) int64 {
	return siteBonus[siteType]
}

// CreationPoints is base + site bonus + detail bonus.
func CreationPoints(siteType models.SiteType, description string) int64 {
	points := BasePoints + SiteBonus(siteType)
	if utf8.RuneCountInString(description) > DetailThreshold {
		points += DetailBonus
	}
	return points
}
