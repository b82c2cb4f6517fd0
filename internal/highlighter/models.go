package highlighter

import (
	"time"

	"github.com/google/uuid"
)

// ClipSource records how a clip entered the ledger.
type ClipSource string

const (
	// SourceManual is a clip added directly by the user.
	SourceManual ClipSource = "manual"
	// SourceReplayBuffer is a passively captured rolling recording segment.
	SourceReplayBuffer ClipSource = "replay_buffer"
	// SourceAiClip is a segment cut by the detection engine.
	SourceAiClip ClipSource = "ai_clip"
)

// StreamState is the detection state machine. detecting is the only
// non-terminal state.
type StreamState string

const (
	StreamDetecting StreamState = "detecting"
	StreamDetected  StreamState = "detected"
	StreamCanceled  StreamState = "canceled"
	StreamError     StreamState = "error"
)

// InputEvent is one detector input sample attached to an AI clip.
type InputEvent struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// AiInfo carries the detector's verdict for an AI clip.
type AiInfo struct {
	Inputs []InputEvent `json:"inputs,omitempty"`
	Score  float64      `json:"score"`
	Round  int          `json:"round,omitempty"`
}

// StreamAssociation links a clip into one stream's ordering.
type StreamAssociation struct {
	StreamID  string   `json:"stream_id"`
	Position  int      `json:"position"`
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

// Clip is a reference to a video segment on disk plus trim, order and
// source metadata. Its path is its identity and never changes.
type Clip struct {
	Path           string                        `json:"path"`
	Enabled        bool                          `json:"enabled"`
	StartTrim      float64                       `json:"start_trim"`
	EndTrim        float64                       `json:"end_trim"`
	Loaded         bool                          `json:"loaded"`
	Duration       *float64                      `json:"duration,omitempty"`
	Thumbnail      string                        `json:"thumbnail,omitempty"`
	Source         ClipSource                    `json:"source"`
	GlobalPosition int                           `json:"global_position"`
	Streams        map[string]*StreamAssociation `json:"streams,omitempty"`
	AiInfo         *AiInfo                       `json:"ai_info,omitempty"`
	CreatedAt      time.Time                     `json:"created_at"`
}

// NewClip is the insert payload for one clip.
type NewClip struct {
	Path      string   `json:"path"`
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
	AiInfo    *AiInfo  `json:"ai_info,omitempty"`
}

// Stream is one detection session over a recording.
type Stream struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Game       string      `json:"game,omitempty"`
	Date       string      `json:"date,omitempty"`
	SourcePath string      `json:"source_path"`
	State      StreamState `json:"state"`
	Progress   float64     `json:"progress"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ExportStep names the current phase of an export run.
type ExportStep string

const (
	StepIdle      ExportStep = "idle"
	StepLoading   ExportStep = "loading"
	StepRendering ExportStep = "rendering"
)

// ExportInfo is the process-wide export record. Only the export pipeline
// mutates it.
type ExportInfo struct {
	Exporting       bool       `json:"exporting"`
	CurrentFrame    int        `json:"current_frame"`
	TotalFrames     int        `json:"total_frames"`
	Step            ExportStep `json:"step"`
	CancelRequested bool       `json:"cancel_requested"`
	File            string     `json:"file,omitempty"`
	PreviewFile     string     `json:"preview_file,omitempty"`
	Exported        bool       `json:"exported"`
	Error           string     `json:"error,omitempty"`
	FPS             int        `json:"fps"`
	Resolution      int        `json:"resolution"`
	Preset          string     `json:"preset"`
}

// UploadInfo tracks uploads for one platform. Created lazily on first
// upload attempt, retained afterward.
type UploadInfo struct {
	Platform        string `json:"platform"`
	Uploading       bool   `json:"uploading"`
	UploadedBytes   int64  `json:"uploaded_bytes"`
	TotalBytes      int64  `json:"total_bytes"`
	CancelRequested bool   `json:"cancel_requested"`
	VideoID         string `json:"video_id,omitempty"`
	Error           bool   `json:"error"`
}

// NewStreamID returns a fresh opaque stream identifier.
func NewStreamID() string {
	return uuid.NewString()
}
