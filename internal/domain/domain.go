package domain

import "time"

// Stages an expedition moves through, derived from progress.
const (
	StagePreparation = "preparation"
	StageExploration = "exploration"
	StageEncounter   = "encounter"
	StageCollection  = "collection"
	StageReturn      = "return"
	StageComplete    = "complete"
)

// Event categories.
const (
	CategoryEncounter     = "encounter"
	CategoryBattle        = "battle"
	CategoryDiscovery     = "discovery"
	CategoryEmergency     = "emergency"
	CategoryDecisionPoint = "decision_point"
)

// Categories lists every event category in a stable order.
var Categories = []string{
	CategoryEncounter,
	CategoryBattle,
	CategoryDiscovery,
	CategoryEmergency,
	CategoryDecisionPoint,
}

// Event statuses. Pending is the only non-terminal status.
const (
	StatusPending      = "pending"
	StatusResponded    = "responded"
	StatusAutoResolved = "auto_resolved"
	StatusExpired      = "expired"
)

// Risk levels, ordered from safest to riskiest.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Notification kinds published on the bus.
const (
	KindProgressUpdate       = "progress_update"
	KindInterventionRequired = "intervention_required"
	KindResponseResult       = "response_result"
	KindAutoResolved         = "auto_resolved"
	KindExpeditionComplete   = "expedition_complete"
)

// RiskRank orders risk levels; unknown levels sort last.
func RiskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// ValidCategory reports whether c is a known event category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Expedition struct {
	ID                    string            `json:"id"`
	RunID                 string            `json:"run_id"`
	TrainerID             string            `json:"trainer_id"`
	DurationMinutes       int               `json:"duration_minutes"`
	Progress              float64           `json:"progress"`
	Stage                 string            `json:"stage" enum:"preparation,exploration,encounter,collection,return,complete"`
	TimeElapsed           int               `json:"time_elapsed"`
	TimeRemaining         int               `json:"time_remaining"`
	Events                []ExpeditionEvent `json:"events"`
	TotalRewardMultiplier float64           `json:"total_reward_multiplier"`
	SuccessProbability    float64           `json:"success_probability"`
	StartedAt             time.Time         `json:"started_at" format:"date-time"`
}

type EventOption struct {
	ID               string  `json:"id"`
	Label            string  `json:"label,omitempty"`
	SuccessRate      float64 `json:"success_rate"`
	RewardMultiplier float64 `json:"reward_multiplier"`
	RiskLevel        string  `json:"risk_level" enum:"low,medium,high"`
}

type ExpeditionEvent struct {
	ID               string           `json:"id"`
	ExpeditionID     string           `json:"expedition_id"`
	Category         string           `json:"category" enum:"encounter,battle,discovery,emergency,decision_point"`
	CreatedAt        time.Time        `json:"created_at" format:"date-time"`
	Description      string           `json:"description"`
	Options          []EventOption    `json:"options"`
	ResponseRequired bool             `json:"response_required"`
	Deadline         *time.Time       `json:"deadline,omitempty" format:"date-time"`
	Status           string           `json:"status" enum:"pending,responded,auto_resolved,expired"`
	Resolution       *EventResolution `json:"resolution,omitempty"`
}

// EventResolution records how an event was settled.
type EventResolution struct {
	OptionID           string    `json:"option_id"`
	Automatic          bool      `json:"automatic"`
	Success            bool      `json:"success"`
	MultiplierApplied  float64   `json:"multiplier_applied"`
	ProbabilityDelta   float64   `json:"probability_delta"`
	TimePenaltySeconds int       `json:"time_penalty_seconds"`
	Latency            string    `json:"latency,omitempty"`
	ResolvedAt         time.Time `json:"resolved_at" format:"date-time"`
}

type PlayerResponse struct {
	EventID  string        `json:"event_id"`
	OptionID string        `json:"option_id"`
	Latency  time.Duration `json:"latency"`
}

// ResponseResult is returned to a responder and published as response_result.
type ResponseResult struct {
	ExpeditionID          string  `json:"expedition_id"`
	EventID               string  `json:"event_id"`
	OptionID              string  `json:"option_id"`
	Success               bool    `json:"success"`
	TotalRewardMultiplier float64 `json:"total_reward_multiplier"`
	SuccessProbability    float64 `json:"success_probability"`
	TimeRemaining         int     `json:"time_remaining"`
}

// Completion is the payload of expedition_complete.
type Completion struct {
	ExpeditionID          string  `json:"expedition_id"`
	RunID                 string  `json:"run_id"`
	TrainerID             string  `json:"trainer_id"`
	FinalReward           int64   `json:"final_reward"`
	BaseReward            int64   `json:"base_reward"`
	TotalRewardMultiplier float64 `json:"total_reward_multiplier"`
	SuccessProbability    float64 `json:"success_probability"`
	TimeElapsed           int     `json:"time_elapsed"`
	EventsRaised          int     `json:"events_raised"`
	EventsResponded       int     `json:"events_responded"`
	EventsAutoResolved    int     `json:"events_auto_resolved"`
}

// Notification is one bus message. Payload is one of Expedition (progress_update),
// ExpeditionEvent (intervention_required, auto_resolved), ResponseResult or Completion.
type Notification struct {
	Seq          uint64    `json:"seq"`
	Kind         string    `json:"kind"`
	ExpeditionID string    `json:"expedition_id"`
	TrainerID    string    `json:"trainer_id"`
	TS           time.Time `json:"ts" format:"date-time"`
	Payload      any       `json:"payload"`
}

// ExpeditionRecord is the persisted footprint of an expedition.
type ExpeditionRecord struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id,omitempty"`
	TrainerID       string  `json:"trainer_id"`
	DurationMinutes int     `json:"duration_minutes"`
	Status          string  `json:"status" enum:"active,completed,stopped"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
}

type ExpeditionResult struct {
	ExpeditionID          string  `json:"expedition_id"`
	TrainerID             string  `json:"trainer_id"`
	FinalReward           int64   `json:"final_reward"`
	TotalRewardMultiplier float64 `json:"total_reward_multiplier"`
	SuccessProbability    float64 `json:"success_probability"`
	EventsRaised          int     `json:"events_raised"`
	EventsResponded       int     `json:"events_responded"`
	EventsAutoResolved    int     `json:"events_auto_resolved"`
	CompletedAt           string  `json:"completed_at" format:"date-time"`
}

type Transaction struct {
	ID           string `json:"id"`
	TrainerID    string `json:"trainer_id"`
	ExpeditionID string `json:"expedition_id,omitempty"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ExpeditionID string `json:"expedition_id,omitempty"`
	TrainerID    string `json:"trainer_id,omitempty"`
	Payload      string `json:"payload_json"`
}
