package batch

import "time"

type Phase string

const (
	PhaseStarted    Phase = "started"
	PhaseImageReady Phase = "image_ready"
	PhaseCountdown  Phase = "countdown"
	PhaseRetrying   Phase = "retrying"
	PhaseAborted    Phase = "aborted"
	PhaseCancelled  Phase = "cancelled"
	PhaseCompleted  Phase = "completed"
)

// BusyMessage is reported when a batch gives up after too many failures.
const BusyMessage = "service busy, please try again later"

type Event struct {
	Phase            Phase     `json:"phase"`
	BatchID          string    `json:"batch_id"`
	Prompt           string    `json:"prompt,omitempty"`
	PromptIndex      int       `json:"prompt_index"`
	Ordinal          int       `json:"ordinal,omitempty"`
	ImageURL         string    `json:"image_url,omitempty"`
	ImageID          int64     `json:"image_id,omitempty"`
	Slot             *int      `json:"slot,omitempty"`
	KeyLabel         string    `json:"key_label,omitempty"`
	SecondsRemaining *int      `json:"seconds_remaining,omitempty"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

func (e Event) Terminal() bool {
	return e.Phase == PhaseAborted || e.Phase == PhaseCancelled || e.Phase == PhaseCompleted
}
