package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointPayload is the per-phase resume cursor. Each phase carries its
// own typed fields; payloads travel as a tagged JSON envelope so unknown
// phase tags are rejected at decode instead of leaking blob-shape
// assumptions across the codebase.
type CheckpointPayload interface {
	CheckpointPhase() Phase
}

// SearchCheckpoint resumes the search phase.
type SearchCheckpoint struct {
	Query       string `json:"query"`
	ResultPage  int    `json:"result_page"`
	ResultsSeen int    `json:"results_seen"`
}

// CheckpointPhase implements CheckpointPayload.
func (SearchCheckpoint) CheckpointPhase() Phase { return PhaseSearch }

// ListingCheckpoint resumes the listing phase.
type ListingCheckpoint struct {
	ListingURL   string `json:"listing_url"`
	Page         int    `json:"page"`
	ScrollOffset int    `json:"scroll_offset"`
	ItemCount    int    `json:"item_count"`
}

// CheckpointPhase implements CheckpointPayload.
func (ListingCheckpoint) CheckpointPhase() Phase { return PhaseListing }

// DetailCheckpoint resumes the detail-page phase.
type DetailCheckpoint struct {
	PendingURLs []string `json:"pending_urls"`
	DoneCount   int      `json:"done_count"`
}

// CheckpointPhase implements CheckpointPayload.
func (DetailCheckpoint) CheckpointPhase() Phase { return PhaseDetail }

// DownloadCheckpoint resumes the download phase.
type DownloadCheckpoint struct {
	PendingFiles []string `json:"pending_files"`
	BytesFetched int64    `json:"bytes_fetched"`
}

// CheckpointPhase implements CheckpointPayload.
func (DownloadCheckpoint) CheckpointPhase() Phase { return PhaseDownload }

// Checkpoint is one persisted resume point for (job, run, phase). At most
// one checkpoint per key is active; superseded rows are retained for audit
// until archived.
type Checkpoint struct {
	ID         int64
	JobID      int64
	RunID      string
	Phase      Phase
	Payload    CheckpointPayload
	ValidUntil *time.Time
	Active     bool
	Archived   bool
	CreatedAt  time.Time
}

// Expired reports whether the checkpoint's validity window has passed.
// An expired checkpoint is treated as absent by the scheduler.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.ValidUntil != nil && c.ValidUntil.Before(now)
}

type checkpointEnvelope struct {
	Phase Phase           `json:"phase"`
	Data  json.RawMessage `json:"data"`
}

// EncodeCheckpointPayload wraps the payload in its tagged envelope.
func EncodeCheckpointPayload(p CheckpointPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode checkpoint: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint payload: %w", err)
	}
	env := checkpointEnvelope{Phase: p.CheckpointPhase(), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint envelope: %w", err)
	}
	return raw, nil
}

// DecodeCheckpointPayload parses a tagged envelope back into its typed
// payload. Unknown phase tags are an error.
func DecodeCheckpointPayload(raw []byte) (CheckpointPayload, error) {
	var env checkpointEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint envelope: %w", err)
	}
	var payload CheckpointPayload
	switch env.Phase {
	case PhaseSearch:
		payload = &SearchCheckpoint{}
	case PhaseListing:
		payload = &ListingCheckpoint{}
	case PhaseDetail:
		payload = &DetailCheckpoint{}
	case PhaseDownload:
		payload = &DownloadCheckpoint{}
	default:
		return nil, fmt.Errorf("decode checkpoint: unknown phase %q", env.Phase)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s checkpoint: %w", env.Phase, err)
	}
	return payload, nil
}
