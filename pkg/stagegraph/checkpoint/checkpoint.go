package checkpoint

import (
	"encoding/json"
	"time"

	gojson "github.com/goccy/go-json"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is the persisted snapshot of pipeline state taken after a stage.
type Checkpoint struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	State json.RawMessage `json:"state"`

	// Outcome is how the stage ended: "ok" or "recovered".
	Outcome   string `json:"outcome"`
	NextStage string `json:"next_stage,omitempty"`
	PrevStage string `json:"prev_stage,omitempty"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return gojson.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := gojson.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// New creates a checkpoint. State must already be JSON-serialized.
func New(runID, stage string, sequence int, state []byte, outcome string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		RunID:     runID,
		Stage:     stage,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		State:     state,
		Outcome:   outcome,
	}
}

// WithNeighbours records the stages before and after this one.
func (c *Checkpoint) WithNeighbours(prev, next string) *Checkpoint {
	c.PrevStage = prev
	c.NextStage = next
	return c
}
