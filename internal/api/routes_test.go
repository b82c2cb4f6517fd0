package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/db"
	"github.com/pflynn02/streamlabsdesktop/internal/detect"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/export"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
	"github.com/pflynn02/streamlabsdesktop/internal/upload"
)

const testToken = "test-token"

type apiFixture struct {
	cfg    ServerConfig
	ledger *highlighter.Ledger
	repo   highlighter.Repository
	bus    *events.Bus
	dir    string
}

type noopProber struct{}

func (noopProber) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	return &media.ProbeResult{Duration: 10}, nil
}

func (noopProber) Thumbnail(ctx context.Context, src, dst string) error {
	return os.WriteFile(dst, []byte("png"), 0644)
}

type noopRenderer struct{}

func (noopRenderer) Render(ctx context.Context, clips []*export.RenderingClip, opts export.Options, onFrame export.FrameFunc) error {
	return os.WriteFile(opts.OutputFile, []byte("mp4"), 0644)
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := highlighter.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), "auth_token", testToken); err != nil {
		t.Fatalf("failed to seed auth token: %v", err)
	}

	bus := events.NewBus(0)
	ledger := highlighter.NewLedger(repo, bus, analytics.Nop{}, logger)
	loader := highlighter.NewLoader(ledger, noopProber{}, bus, tmpDir, logger)

	engine := detect.NewSubprocessEngine("/nonexistent/engine", time.Minute, time.Minute, logger)
	updater := detect.NewUpdater(engine, repo, logger)
	orch := detect.NewOrchestrator(
		ledger, repo, engine, updater, media.NewFFmpeg("ffmpeg", "ffprobe", logger),
		bus, analytics.Nop{},
		filepath.Join(tmpDir, "clips"), filepath.Join(tmpDir, "milestones"), "user-1", logger,
	)

	exporter := export.NewPipeline(ledger, loader, repo, noopProber{}, noopRenderer{}, bus, analytics.Nop{}, tmpDir, logger)
	uploads := upload.NewManager(repo, map[string]upload.Provider{}, bus, analytics.Nop{}, logger)

	cfg := ServerConfig{
		Port:         0,
		Ledger:       ledger,
		Loader:       loader,
		Repository:   repo,
		Orchestrator: orch,
		Exporter:     exporter,
		Uploads:      uploads,
		Bus:          bus,
		Logger:       logger,
		StartTime:    time.Now(),
		DeviceID:     "device-1",
		Version:      "0.1.0",
	}
	return &apiFixture{cfg: cfg, ledger: ledger, repo: repo, bus: bus, dir: tmpDir}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}

	rr := httptest.NewRecorder()
	NewRouter(f.cfg).ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) addClip(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		t.Fatalf("failed to write clip file: %v", err)
	}
	return path
}

func TestHealthHandler_NoAuthRequired(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodGet, "/health", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %s, want ok", resp.Status)
	}
	if resp.DeviceID != "device-1" {
		t.Errorf("device id = %s, want device-1", resp.DeviceID)
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodGet, "/status", nil, false)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsWrongToken(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr := httptest.NewRecorder()
	NewRouter(f.cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestStatusHandler(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodGet, "/status", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != "idle" {
		t.Errorf("state = %s, want idle", resp.State)
	}
}

func TestClipsHandlers_AddAndList(t *testing.T) {
	f := setupAPI(t)
	path := f.addClip(t, "a.mp4")

	rr := f.request(t, http.MethodPost, "/clips", AddClipsRequest{Paths: []string{path}}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body)
	}

	rr = f.request(t, http.MethodGet, "/clips", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp ClipsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Clips) != 1 {
		t.Fatalf("clip count = %d, want 1", len(resp.Clips))
	}
	if resp.Clips[0].Path != path {
		t.Errorf("clip path = %s, want %s", resp.Clips[0].Path, path)
	}
	if resp.Clips[0].Source != string(highlighter.SourceManual) {
		t.Errorf("clip source = %s, want manual", resp.Clips[0].Source)
	}
}

func TestClipsHandlers_AddWithStartTimes(t *testing.T) {
	f := setupAPI(t)
	path := f.addClip(t, "timed.mp4")
	ctx := context.Background()

	err := f.repo.CreateStream(ctx, &highlighter.Stream{
		ID: "stream-1", Title: "stream-1", SourcePath: "/tmp/stream-1.mp4", State: highlighter.StreamDetected,
	})
	if err != nil {
		t.Fatalf("CreateStream() error = %v", err)
	}

	start, end := 5.0, 20.0
	rr := f.request(t, http.MethodPost, "/clips", AddClipsRequest{
		Clips:    []AddClipEntry{{Path: path, StartTime: &start, EndTime: &end}},
		StreamID: "stream-1",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body)
	}

	clip, err := f.repo.GetClip(ctx, path)
	if err != nil {
		t.Fatalf("GetClip() error = %v", err)
	}
	if clip == nil {
		t.Fatal("clip not registered")
	}
	assoc := clip.Streams["stream-1"]
	if assoc == nil {
		t.Fatal("clip has no stream association")
	}
	if assoc.StartTime == nil || *assoc.StartTime != start {
		t.Errorf("association start = %v, want %v", assoc.StartTime, start)
	}
	if assoc.EndTime == nil || *assoc.EndTime != end {
		t.Errorf("association end = %v, want %v", assoc.EndTime, end)
	}
}

func TestClipsHandlers_EnableAndTrim(t *testing.T) {
	f := setupAPI(t)
	path := f.addClip(t, "a.mp4")
	f.request(t, http.MethodPost, "/clips", AddClipsRequest{Paths: []string{path}}, true)

	rr := f.request(t, http.MethodPost, "/clips/enable", EnableClipRequest{Path: path, Enabled: false}, true)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("enable status = %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = f.request(t, http.MethodPost, "/clips/trim", TrimClipRequest{Path: path, StartTrim: 1, EndTrim: 2}, true)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("trim status = %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = f.request(t, http.MethodPost, "/clips/trim", TrimClipRequest{Path: path, StartTrim: -1}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative trim status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	clips, _ := f.ledger.Query(context.Background(), "")
	if clips[0].Enabled {
		t.Error("clip should be disabled")
	}
	if clips[0].StartTrim != 1 || clips[0].EndTrim != 2 {
		t.Errorf("trims = %v/%v, want 1/2", clips[0].StartTrim, clips[0].EndTrim)
	}
}

func TestRemoveClipHandler(t *testing.T) {
	f := setupAPI(t)
	path := f.addClip(t, "a.mp4")
	f.request(t, http.MethodPost, "/clips", AddClipsRequest{Paths: []string{path}}, true)

	rr := f.request(t, http.MethodDelete, "/clips", RemoveClipRequest{Path: path}, true)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d, want %d: %s", rr.Code, http.StatusNoContent, rr.Body)
	}

	clips, _ := f.ledger.Query(context.Background(), "")
	if len(clips) != 0 {
		t.Errorf("clip count = %d, want 0", len(clips))
	}
}

func TestEventsHandler(t *testing.T) {
	f := setupAPI(t)

	first := f.bus.Publish(events.Event{Type: events.TypeStreamDetected, StreamID: "s1"})
	f.bus.Publish(events.Event{Type: events.TypeExportDone})

	rr := f.request(t, http.MethodGet, "/events", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	var all []events.Event
	if err := json.NewDecoder(rr.Body).Decode(&all); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("event count = %d, want 2", len(all))
	}

	rr = f.request(t, http.MethodGet, "/events?after="+strconv.FormatInt(first.Seq, 10), nil, true)
	var newer []events.Event
	if err := json.NewDecoder(rr.Body).Decode(&newer); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(newer) != 1 {
		t.Errorf("incremental event count = %d, want 1", len(newer))
	}

	rr = f.request(t, http.MethodGet, "/events?after=bogus", nil, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad after param status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetExportHandler(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodGet, "/export", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	var info highlighter.ExportInfo
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.Exporting {
		t.Error("fresh install should not be exporting")
	}
}

func TestGetUploadHandler_NotFound(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodGet, "/upload/crossclip", nil, true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestUploadHandler_NoExportedFile(t *testing.T) {
	f := setupAPI(t)

	rr := f.request(t, http.MethodPost, "/upload", UploadRequest{Platform: "crossclip"}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestPlaybackHandler(t *testing.T) {
	f := setupAPI(t)
	path := f.addClip(t, "a.mp4")
	f.request(t, http.MethodPost, "/clips", AddClipsRequest{Paths: []string{path}}, true)

	rr := f.request(t, http.MethodGet, "/playback/file?path="+path, nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "video" {
		t.Errorf("body = %q, want file contents", rr.Body.String())
	}

	rr = f.request(t, http.MethodGet, "/playback/file?path=/not/registered.mp4", nil, true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unregistered path status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
