// Package notify emits a hash-chained event for every published run, to a
// local backup directory and optionally to an HTTP endpoint.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/frigate-reel/internal/storage"
)

const (
	eventVersion = "1"
	eventType    = "reel_published"
)

// Event announces a published run.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo               `json:"run"`
	Outputs  map[string]OutputInfo `json:"outputs"`
	Manifest string                `json:"manifest"`
	Producer storage.ProducerInfo  `json:"producer"`
	Chain    ChainInfo             `json:"chain"`
}

// RunInfo identifies the run.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	Mode    string    `json:"mode"`
	Layout  string    `json:"layout"`
	Cameras []string  `json:"cameras"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Dropped int       `json:"dropped"`
}

// OutputInfo describes one published video.
type OutputInfo struct {
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ChainInfo links events of the same chain into a tamper-evident log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey groups runs of the same mode, layout and cameras.
func (r RunInfo) ChainKey() string {
	return r.Mode + "/" + r.Layout + "/" + strings.Join(r.Cameras, ",")
}

// NewEvent builds the event for a published manifest.
func NewEvent(manifestURI string, m *storage.Manifest) *Event {
	outputs := make(map[string]OutputInfo, len(m.Outputs))
	for name, o := range m.Outputs {
		outputs[name] = OutputInfo{URI: o.URI, Checksum: o.Checksum, ByteSize: o.ByteSize}
	}
	return &Event{
		Version:   eventVersion,
		EventType: eventType,
		EventID:   "evt_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Run: RunInfo{
			RunID:   m.RunID,
			Mode:    m.Mode,
			Layout:  m.Layout,
			Cameras: m.Cameras,
			Start:   m.Range.Start,
			End:     m.Range.End,
			Dropped: len(m.Dropped),
		},
		Outputs:  outputs,
		Manifest: manifestURI,
		Producer: m.Producer,
	}
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash hashes the JSON form of evt with event_hash cleared.
// Map keys marshal sorted, so equal events hash equally.
func ComputeEventHash(evt *Event) string {
	cp := *evt
	cp.Chain.EventHash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}
