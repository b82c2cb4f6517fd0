package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// SessionResult is the terminal outcome of an upload session. Canceled is
// distinct from Err: a canceled upload is not a failure.
type SessionResult struct {
	VideoID  string
	Canceled bool
	Err      error
}

// Session is a single in-flight upload. Cancel is idempotent and causes the
// session to finish with Canceled set.
type Session interface {
	Cancel()
	Done() <-chan SessionResult
}

// ProgressFunc receives cumulative uploaded bytes against the total size.
type ProgressFunc func(uploaded, total int64)

// Provider starts uploads to one destination platform.
type Provider interface {
	Start(ctx context.Context, file, title string, progress ProgressFunc) (Session, error)
}

// HTTPProvider streams the export file to a remote ingest endpoint and
// returns the platform video id from the response body.
type HTTPProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 2 * time.Hour},
	}
}

type httpSession struct {
	cancel context.CancelFunc
	done   chan SessionResult
}

func (s *httpSession) Cancel()                   { s.cancel() }
func (s *httpSession) Done() <-chan SessionResult { return s.done }

// progressReader reports cumulative bytes as the request body is consumed.
type progressReader struct {
	r        io.Reader
	total    int64
	uploaded int64
	progress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.uploaded += int64(n)
		if pr.progress != nil {
			pr.progress(pr.uploaded, pr.total)
		}
	}
	return n, err
}

func (h *HTTPProvider) Start(ctx context.Context, file, title string, progress ProgressFunc) (Session, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat export file: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	sess := &httpSession{cancel: cancel, done: make(chan SessionResult, 1)}

	body := &progressReader{r: f, total: st.Size(), progress: progress}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.BaseURL+"/v1/videos", body)
	if err != nil {
		f.Close()
		cancel()
		return nil, err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Authorization", "Bearer "+h.Token)
	req.Header.Set("X-Video-Title", title)

	go func() {
		defer f.Close()
		defer cancel()

		resp, err := h.Client.Do(req)
		if err != nil {
			if reqCtx.Err() == context.Canceled {
				sess.done <- SessionResult{Canceled: true}
				return
			}
			sess.done <- SessionResult{Err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			sess.done <- SessionResult{Err: fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, snippet)}
			return
		}

		var out struct {
			VideoID string `json:"video_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			sess.done <- SessionResult{Err: fmt.Errorf("decode upload response: %w", err)}
			return
		}
		sess.done <- SessionResult{VideoID: out.VideoID}
	}()

	return sess, nil
}
