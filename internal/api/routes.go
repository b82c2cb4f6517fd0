package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pflynn02/streamlabsdesktop/internal/detect"
	"github.com/pflynn02/streamlabsdesktop/internal/export"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/upload"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/clips", listClipsHandler(cfg))
		r.Post("/clips", addClipsHandler(cfg))
		r.Delete("/clips", removeClipHandler(cfg))
		r.Post("/clips/enable", enableClipHandler(cfg))
		r.Post("/clips/trim", trimClipHandler(cfg))
		r.Post("/clips/load", loadClipsHandler(cfg))

		r.Get("/streams", listStreamsHandler(cfg))
		r.Delete("/streams/{id}", deleteStreamHandler(cfg))
		r.Post("/streams/{id}/restart", restartStreamHandler(cfg))

		r.Post("/detect", detectHandler(cfg))
		r.Post("/detect/cancel", cancelDetectHandler(cfg))

		r.Get("/export", getExportHandler(cfg))
		r.Post("/export", exportHandler(cfg))
		r.Post("/export/cancel", cancelExportHandler(cfg))
		r.Get("/export/file", exportFileHandler(cfg))

		r.Get("/upload/{platform}", getUploadHandler(cfg))
		r.Post("/upload", uploadHandler(cfg))
		r.Post("/upload/cancel", cancelUploadHandler(cfg))

		r.Get("/events", eventsHandler(cfg))
		r.Get("/playback/file", playbackHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		clipsCount, _ := cfg.Repository.CountClips(ctx)
		streams, _ := cfg.Repository.ListStreams(ctx)

		state := "idle"
		detecting := 0
		lastError := ""
		progress := 0.0
		for _, s := range streams {
			if s.State == highlighter.StreamDetecting {
				state = "detecting"
				detecting++
				progress = s.Progress
			}
			if s.State == highlighter.StreamError && lastError == "" {
				lastError = s.Error
			}
		}

		resp := StatusResponse{
			State:        state,
			ClipsCount:   clipsCount,
			StreamsCount: len(streams),
			Detecting:    detecting,
			LastError:    lastError,
			Progress:     progress,
		}

		if info, err := cfg.Repository.GetExportInfo(ctx); err == nil {
			resp.Exporting = info.Exporting
			if info.Exporting {
				state = "exporting"
				resp.State = state
				resp.ExportFrame = info.CurrentFrame
				resp.ExportFrames = info.TotalFrames
			}
		}

		if v, err := cfg.Repository.GetConfig(ctx, "highlighter_version"); err == nil {
			resp.EngineVersion = v
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID := r.URL.Query().Get("stream_id")
		clips, err := cfg.Ledger.Query(r.Context(), streamID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list clips", "INTERNAL_ERROR")
			return
		}

		resp := ClipsResponse{Clips: make([]ClipResponse, len(clips))}
		for i, c := range clips {
			resp.Clips[i] = ClipToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func addClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddClipsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.Paths) == 0 && len(req.Clips) == 0 {
			WriteError(w, http.StatusBadRequest, "paths or clips is required", "BAD_REQUEST")
			return
		}

		newClips := make([]highlighter.NewClip, 0, len(req.Paths)+len(req.Clips))
		for _, p := range req.Paths {
			newClips = append(newClips, highlighter.NewClip{Path: p})
		}
		for _, c := range req.Clips {
			if c.Path == "" {
				WriteError(w, http.StatusBadRequest, "clip path is required", "BAD_REQUEST")
				return
			}
			newClips = append(newClips, highlighter.NewClip{
				Path:      c.Path,
				StartTime: c.StartTime,
				EndTime:   c.EndTime,
			})
		}

		err := cfg.Ledger.Insert(r.Context(), newClips, req.StreamID, highlighter.SourceManual)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func removeClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RemoveClipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		if err := cfg.Ledger.Remove(r.Context(), req.Path, req.StreamID, req.DeleteFile); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func enableClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnableClipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if err := cfg.Ledger.SetEnabled(r.Context(), req.Path, req.Enabled); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func trimClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrimClipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if err := cfg.Ledger.SetTrim(r.Context(), req.Path, req.StartTrim, req.EndTrim); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func loadClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoadClipsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		go func() {
			if err := cfg.Loader.Load(context.Background(), req.StreamID); err != nil {
				cfg.Logger.Error("clip load failed", "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func listStreamsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streams, err := cfg.Repository.ListStreams(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list streams", "INTERNAL_ERROR")
			return
		}

		resp := StreamsResponse{Streams: make([]StreamResponse, len(streams))}
		for i, s := range streams {
			resp.Streams[i] = StreamToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func deleteStreamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "stream id required", "BAD_REQUEST")
			return
		}

		if err := cfg.Orchestrator.RemoveStream(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func restartStreamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "stream id required", "BAD_REQUEST")
			return
		}

		go func() {
			if _, err := cfg.Orchestrator.Restart(context.Background(), id); err != nil {
				cfg.Logger.Error("detection restart failed", "stream_id", id, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func detectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DetectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		meta := detect.StreamMeta{Title: req.Title, Game: req.Game, Date: req.Date}
		go func() {
			if _, err := cfg.Orchestrator.Detect(context.Background(), req.Path, meta); err != nil {
				cfg.Logger.Error("detection failed", "path", req.Path, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func cancelDetectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelDetectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.StreamID == "" {
			WriteError(w, http.StatusBadRequest, "stream_id is required", "BAD_REQUEST")
			return
		}

		cfg.Orchestrator.Cancel(req.StreamID)
		w.WriteHeader(http.StatusAccepted)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := cfg.Repository.GetExportInfo(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load export info", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		orientation := export.OrientationHorizontal
		if req.Orientation == string(export.OrientationVertical) {
			orientation = export.OrientationVertical
		}

		go func() {
			err := cfg.Exporter.Export(context.Background(), req.Preview, req.StreamID, orientation)
			if err != nil {
				cfg.Logger.Error("export failed", "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Exporter.Cancel(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}
}

func exportFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := cfg.Repository.GetExportInfo(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load export info", "INTERNAL_ERROR")
			return
		}

		file := info.File
		if r.URL.Query().Get("preview") == "true" {
			file = info.PreviewFile
		}
		if file == "" {
			WriteError(w, http.StatusNotFound, "no exported file available", "NOT_FOUND")
			return
		}
		http.ServeFile(w, r, file)
	}
}

func getUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := chi.URLParam(r, "platform")
		info, err := cfg.Repository.GetUploadInfo(r.Context(), platform)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load upload info", "INTERNAL_ERROR")
			return
		}
		if info == nil {
			WriteError(w, http.StatusNotFound, "no upload recorded for platform", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Platform == "" {
			WriteError(w, http.StatusBadRequest, "platform is required", "BAD_REQUEST")
			return
		}
		if cfg.Uploads.Uploading(req.Platform) {
			WriteError(w, http.StatusConflict, "upload already in progress", "UPLOAD_IN_PROGRESS")
			return
		}

		info, err := cfg.Repository.GetExportInfo(r.Context())
		if err != nil || info.File == "" {
			WriteError(w, http.StatusBadRequest, "no exported file to upload", "BAD_REQUEST")
			return
		}

		file := info.File
		go func() {
			err := cfg.Uploads.Upload(context.Background(), req.Platform, file, req.Title)
			if err != nil && err != upload.ErrUploadInProgress {
				cfg.Logger.Error("upload failed", "platform", req.Platform, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func cancelUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		cfg.Uploads.Cancel(r.Context(), req.Platform)
		w.WriteHeader(http.StatusAccepted)
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := int64(0)
		if raw := r.URL.Query().Get("after"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid after parameter", "BAD_REQUEST")
				return
			}
			after = parsed
		}
		WriteJSON(w, http.StatusOK, cfg.Bus.Since(after))
	}
}

func playbackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		// Only files registered as clips are served.
		clip, err := cfg.Repository.GetClip(r.Context(), path)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if clip == nil {
			WriteError(w, http.StatusNotFound, "clip not found", "NOT_FOUND")
			return
		}
		http.ServeFile(w, r, clip.Path)
	}
}
