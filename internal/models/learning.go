package models

import "time"

// CalibrationState tracks per-(domain, model) forecasting quality. The
// domain calibrator owns brier_score/domain_weight, the threshold adapter
// owns entropy_threshold.
type CalibrationState struct {
	Domain           Domain
	Model            string
	BrierScore       float64
	NResolved        int
	DomainWeight     float64
	EntropyThreshold *float64 // tau, bits; nil until adapted
	UpdatedAt        time.Time
}

// ModelWeight is a model's standing in the ensemble. Weight 0 means the
// kill switch fired; active weights sum to 1 after a selection run.
type ModelWeight struct {
	Model        string
	Weight       float64
	RollingBrier *float64
	NResolved    int
	UpdatedAt    time.Time
}

// PromptExperiment is one prompt variant competing in the tournament.
// Domain empty means the variant is global.
type PromptExperiment struct {
	Version   string
	Domain    Domain
	Template  string
	NTrials   int
	NWins     int
	MeanBrier *float64
	Active    bool
	CreatedAt time.Time
}
