package api

import (
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State         string  `json:"state"`
	ClipsCount    int     `json:"clips_count"`
	StreamsCount  int     `json:"streams_count"`
	Detecting     int     `json:"detecting"`
	Exporting     bool    `json:"exporting"`
	ExportFrame   int     `json:"export_frame,omitempty"`
	ExportFrames  int     `json:"export_frames,omitempty"`
	EngineVersion string  `json:"engine_version,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	Progress      float64 `json:"progress,omitempty"`
}

// AddClipEntry is one clip to register, with optional start/end times on
// the stream timeline for captures whose position is known.
type AddClipEntry struct {
	Path      string   `json:"path"`
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

type AddClipsRequest struct {
	Paths    []string       `json:"paths,omitempty"`
	Clips    []AddClipEntry `json:"clips,omitempty"`
	StreamID string         `json:"stream_id,omitempty"`
}

type RemoveClipRequest struct {
	Path       string `json:"path"`
	StreamID   string `json:"stream_id,omitempty"`
	DeleteFile bool   `json:"delete_file,omitempty"`
}

type EnableClipRequest struct {
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

type TrimClipRequest struct {
	Path      string  `json:"path"`
	StartTrim float64 `json:"start_trim"`
	EndTrim   float64 `json:"end_trim"`
}

type LoadClipsRequest struct {
	StreamID string `json:"stream_id,omitempty"`
}

type DetectRequest struct {
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
	Game  string `json:"game,omitempty"`
	Date  string `json:"date,omitempty"`
}

type CancelDetectRequest struct {
	StreamID string `json:"stream_id"`
}

type ExportRequest struct {
	Preview     bool   `json:"preview,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	Orientation string `json:"orientation,omitempty"`
}

type UploadRequest struct {
	Platform string `json:"platform"`
	Title    string `json:"title,omitempty"`
}

type CancelUploadRequest struct {
	Platform string `json:"platform"`
}

type ClipResponse struct {
	Path           string                                      `json:"path"`
	Enabled        bool                                        `json:"enabled"`
	StartTrim      float64                                     `json:"start_trim"`
	EndTrim        float64                                     `json:"end_trim"`
	Loaded         bool                                        `json:"loaded"`
	Duration       *float64                                    `json:"duration,omitempty"`
	Thumbnail      string                                      `json:"thumbnail,omitempty"`
	Source         string                                      `json:"source"`
	GlobalPosition int                                         `json:"global_position"`
	Streams        map[string]*highlighter.StreamAssociation   `json:"streams,omitempty"`
	AiInfo         *highlighter.AiInfo                         `json:"ai_info,omitempty"`
	CreatedAt      string                                      `json:"created_at"`
}

type ClipsResponse struct {
	Clips []ClipResponse `json:"clips"`
}

type StreamResponse struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Game       string  `json:"game,omitempty"`
	Date       string  `json:"date,omitempty"`
	SourcePath string  `json:"source_path"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type StreamsResponse struct {
	Streams []StreamResponse `json:"streams"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ClipToResponse(c *highlighter.Clip) ClipResponse {
	return ClipResponse{
		Path:           c.Path,
		Enabled:        c.Enabled,
		StartTrim:      c.StartTrim,
		EndTrim:        c.EndTrim,
		Loaded:         c.Loaded,
		Duration:       c.Duration,
		Thumbnail:      c.Thumbnail,
		Source:         string(c.Source),
		GlobalPosition: c.GlobalPosition,
		Streams:        c.Streams,
		AiInfo:         c.AiInfo,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}

func StreamToResponse(s *highlighter.Stream) StreamResponse {
	return StreamResponse{
		ID:         s.ID,
		Title:      s.Title,
		Game:       s.Game,
		Date:       s.Date,
		SourcePath: s.SourcePath,
		State:      string(s.State),
		Progress:   s.Progress,
		Error:      s.Error,
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
	}
}
