package service

import (
	"math"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

const defaultInjectionVolumeML = 0.5

func injectionDetails(guide catalog.InjectionGuide, t *domain.DosingTemplate, dose float64) *domain.InjectionDetails {
	adm := t.Administration
	d := &domain.InjectionDetails{
		ItemID:          t.ItemID,
		Dose:            dose,
		Unit:            t.Unit,
		Route:           t.Route,
		Timing:          valueOr(adm.Timing, "as directed"),
		FoodInteraction: valueOr(adm.FoodInteraction, "none"),
		CycleProtocol:   adm.CycleProtocol,
	}

	if adm.CapsuleStrength > 0 {
		d.CapsuleStrength = adm.CapsuleStrength
		d.CapsulesPerDose = int(math.Max(1, math.Round(dose/adm.CapsuleStrength)))
		return d
	}

	volume := adm.InjectionVolumeML
	if adm.ConcentrationPerML > 0 {
		volume = dose / adm.ConcentrationPerML
	}
	if volume <= 0 {
		volume = defaultInjectionVolumeML
	}
	volume = round2(volume)
	d.VolumeML = &volume
	d.NeedleSize = guide.NeedleSize
	d.InjectionSite = guide.InjectionSite
	d.Preparation = guide.Preparation
	return d
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
