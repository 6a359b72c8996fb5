package calibration

import (
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

// Preset is a named bundle of weights and thresholds selectable without
// editing individual fields.
type Preset struct {
	Name       string
	Weights    Weights
	Thresholds Thresholds
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MinRelVol30:         2.5,
		MinATRPct:           0.04,
		RequireVWAPReclaim:  true,
		VWAPProximityPct:    0.005,
		MidFloatPathEnabled: true,
		MinRVol:             1.5,
		TradeReadyMin:       0.75,
		WatchlistMin:        0.70,
		MaxSoftPass:         0,
		SoftPassTolerance:   0.10,
		CatalystSoftPassMin: 0.70,
		SoftPassPenalty:     0.05,
	}
}

func defaultSessionOverrides() map[domain.Session]SessionOverride {
	return map[domain.Session]SessionOverride{
		domain.SessionPremarket:  {MinRelVol30: floatPtr(1.8), MinRVol: floatPtr(1.2)},
		domain.SessionAfterhours: {MinRelVol30: floatPtr(1.8), MinRVol: floatPtr(1.2)},
		domain.SessionClosed:     {SkipVWAPGate: boolPtr(true)},
	}
}

// Builtin presets. hybrid_v1 and legacy_v0 are strategy presets sharing
// the same engine; the rest are tuning bundles.
func builtinPresets() map[string]Preset {
	balanced := Preset{
		Name: "balanced_default",
		Weights: Weights{
			domain.SubscoreVolumeMomentum: 0.35,
			domain.SubscoreSqueeze:        0.25,
			domain.SubscoreCatalyst:       0.20,
			domain.SubscoreOptions:        0.10,
			domain.SubscoreTechnical:      0.10,
		},
		Thresholds: defaultThresholds(),
	}

	squeeze := Preset{
		Name: "squeeze_aggressive",
		Weights: Weights{
			domain.SubscoreVolumeMomentum: 0.25,
			domain.SubscoreSqueeze:        0.40,
			domain.SubscoreCatalyst:       0.15,
			domain.SubscoreOptions:        0.10,
			domain.SubscoreTechnical:      0.10,
		},
		Thresholds: defaultThresholds(),
	}
	squeeze.Thresholds.MinRelVol30 = 2.0

	catalyst := Preset{
		Name: "catalyst_heavy",
		Weights: Weights{
			domain.SubscoreVolumeMomentum: 0.25,
			domain.SubscoreSqueeze:        0.15,
			domain.SubscoreCatalyst:       0.40,
			domain.SubscoreOptions:        0.10,
			domain.SubscoreTechnical:      0.10,
		},
		Thresholds: defaultThresholds(),
	}

	legacy := Preset{
		Name: "legacy_v0",
		Weights: Weights{
			domain.SubscoreVolumeMomentum: 0.50,
			domain.SubscoreSqueeze:        0.20,
			domain.SubscoreCatalyst:       0.15,
			domain.SubscoreOptions:        0.05,
			domain.SubscoreTechnical:      0.10,
		},
		Thresholds: defaultThresholds(),
	}
	legacy.Thresholds.RequireVWAPReclaim = false
	legacy.Thresholds.MinRelVol30 = 2.0

	hybrid := balanced
	hybrid.Name = "hybrid_v1"

	return map[string]Preset{
		balanced.Name: balanced,
		squeeze.Name:  squeeze,
		catalyst.Name: catalyst,
		legacy.Name:   legacy,
		hybrid.Name:   hybrid,
	}
}

// defaultProfile is the pinned baseline Reset restores.
func defaultProfile(strategy string) Profile {
	presets := builtinPresets()
	preset, ok := presets[strategy]
	if !ok {
		preset = presets["balanced_default"]
	}
	return Profile{
		Version:          1,
		Strategy:         strategy,
		ActivePreset:     preset.Name,
		Weights:          preset.Weights.Clone(),
		Thresholds:       preset.Thresholds,
		SessionOverrides: defaultSessionOverrides(),
	}
}
