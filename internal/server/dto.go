package server

import (
	"encoding/json"

	"trailhead/internal/domain"
)

// Request payloads

type CreateExpeditionRequest struct {
	ID              string `json:"id,omitempty"`
	TrainerID       string `json:"trainer_id,omitempty" doc:"Defaults to the authenticated trainer"`
	DurationMinutes int    `json:"duration_minutes" minimum:"1"`
}

type RaiseEventRequest struct {
	Category string `json:"category,omitempty" enum:"encounter,battle,discovery,emergency,decision_point" doc:"Random when omitted"`
}

type RespondRequest struct {
	OptionID  string `json:"option_id"`
	LatencyMs int64  `json:"latency_ms,omitempty" minimum:"0"`
}

type TokenRequest struct {
	TrainerID  string `json:"trainer_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Response payloads

type TokenResponse struct {
	Token string `json:"token"`
}

type ExpeditionList struct {
	Items []domain.Expedition `json:"items"`
}

type ResultList struct {
	Items []domain.ExpeditionResult `json:"items"`
}

type BalanceResponse struct {
	TrainerID string `json:"trainer_id"`
	Balance   int64  `json:"balance"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	ExpeditionID string         `json:"expedition_id,omitempty"`
	TrainerID    string         `json:"trainer_id,omitempty"`
	Payload      map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Stream messages. One named type per notification kind so the SSE stream
// labels each message with its kind.

type ProgressUpdateMessage struct{ domain.Notification }
type InterventionRequiredMessage struct{ domain.Notification }
type ResponseResultMessage struct{ domain.Notification }
type AutoResolvedMessage struct{ domain.Notification }
type ExpeditionCompleteMessage struct{ domain.Notification }

var streamMessages = map[string]any{
	domain.KindProgressUpdate:       ProgressUpdateMessage{},
	domain.KindInterventionRequired: InterventionRequiredMessage{},
	domain.KindResponseResult:       ResponseResultMessage{},
	domain.KindAutoResolved:         AutoResolvedMessage{},
	domain.KindExpeditionComplete:   ExpeditionCompleteMessage{},
}

func streamMessage(n domain.Notification) any {
	switch n.Kind {
	case domain.KindProgressUpdate:
		return ProgressUpdateMessage{n}
	case domain.KindInterventionRequired:
		return InterventionRequiredMessage{n}
	case domain.KindResponseResult:
		return ResponseResultMessage{n}
	case domain.KindAutoResolved:
		return AutoResolvedMessage{n}
	default:
		return ExpeditionCompleteMessage{n}
	}
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		ExpeditionID: e.ExpeditionID,
		TrainerID:    e.TrainerID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
