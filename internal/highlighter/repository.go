package highlighter

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// AssociationRow is one clip_streams row including the clip path and the
// insertion sequence used for tie-breaking during reorders.
type AssociationRow struct {
	Seq       int64
	Path      string
	StreamID  string
	Position  int
	StartTime *float64
	EndTime   *float64
}

type Repository interface {
	CreateClip(ctx context.Context, clip *Clip) error
	GetClip(ctx context.Context, path string) (*Clip, error)
	ListClips(ctx context.Context) ([]*Clip, error)
	ListStreamClips(ctx context.Context, streamID string) ([]*Clip, error)
	DeleteClip(ctx context.Context, path string) error
	CountClips(ctx context.Context) (int, error)
	SetClipEnabled(ctx context.Context, path string, enabled bool) error
	SetClipTrim(ctx context.Context, path string, startTrim, endTrim float64) error
	MarkClipLoaded(ctx context.Context, path string, duration float64, thumbnail string) error
	SetGlobalPosition(ctx context.Context, path string, position int) error
	ShiftGlobalPositions(ctx context.Context, delta int) error
	MaxGlobalPosition(ctx context.Context) (int, error)

	UpsertAssociation(ctx context.Context, a *StreamAssociation, path string) error
	DeleteAssociation(ctx context.Context, path, streamID string) error
	ListAssociations(ctx context.Context, streamID string) ([]*AssociationRow, error)
	SetAssociationPosition(ctx context.Context, path, streamID string, position int) error
	ShiftStreamPositions(ctx context.Context, streamID string, delta int) error
	MaxStreamPosition(ctx context.Context, streamID string) (int, error)
	CountStreamClips(ctx context.Context, streamID string) (int, error)

	CreateStream(ctx context.Context, stream *Stream) error
	GetStream(ctx context.Context, id string) (*Stream, error)
	ListStreams(ctx context.Context) ([]*Stream, error)
	DeleteStream(ctx context.Context, id string) error
	UpdateStreamState(ctx context.Context, id string, state StreamState, errMsg string) error
	UpdateStreamProgress(ctx context.Context, id string, progress float64) error

	GetExportInfo(ctx context.Context) (*ExportInfo, error)
	SaveExportInfo(ctx context.Context, info *ExportInfo) error

	GetUploadInfo(ctx context.Context, platform string) (*UploadInfo, error)
	SaveUploadInfo(ctx context.Context, info *UploadInfo) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const clipColumns = `path, enabled, start_trim, end_trim, loaded, duration, thumbnail, source, global_position, score, inputs, round, created_at`

func (r *SQLiteRepository) CreateClip(ctx context.Context, c *Clip) error {
	var score float64
	var inputs sql.NullString
	var round sql.NullInt64
	if c.AiInfo != nil {
		score = c.AiInfo.Score
		if len(c.AiInfo.Inputs) > 0 {
			raw, err := json.Marshal(c.AiInfo.Inputs)
			if err != nil {
				return err
			}
			inputs = sql.NullString{String: string(raw), Valid: true}
		}
		if c.AiInfo.Round != 0 {
			round = sql.NullInt64{Int64: int64(c.AiInfo.Round), Valid: true}
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clips (`+clipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Path, boolToInt(c.Enabled), c.StartTrim, c.EndTrim, boolToInt(c.Loaded),
		nullFloat(c.Duration), nullString(c.Thumbnail), string(c.Source),
		c.GlobalPosition, score, inputs, round, c.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetClip(ctx context.Context, path string) (*Clip, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clipColumns+` FROM clips WHERE path = ?
	`, path)

	clip, err := scanClip(row)
	if err != nil || clip == nil {
		return clip, err
	}
	if err := r.attachAssociations(ctx, []*Clip{clip}); err != nil {
		return nil, err
	}
	return clip, nil
}

func (r *SQLiteRepository) ListClips(ctx context.Context) ([]*Clip, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+clipColumns+` FROM clips ORDER BY global_position ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clips, err := scanClips(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachAssociations(ctx, clips); err != nil {
		return nil, err
	}
	return clips, nil
}

func (r *SQLiteRepository) ListStreamClips(ctx context.Context, streamID string) ([]*Clip, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.path, c.enabled, c.start_trim, c.end_trim, c.loaded, c.duration, c.thumbnail,
		       c.source, c.global_position, c.score, c.inputs, c.round, c.created_at
		FROM clips c
		JOIN clip_streams cs ON cs.path = c.path
		WHERE cs.stream_id = ?
		ORDER BY cs.position ASC
	`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clips, err := scanClips(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachAssociations(ctx, clips); err != nil {
		return nil, err
	}
	return clips, nil
}

// attachAssociations fills Clip.Streams for the given clips in one query.
func (r *SQLiteRepository) attachAssociations(ctx context.Context, clips []*Clip) error {
	if len(clips) == 0 {
		return nil
	}

	byPath := make(map[string]*Clip, len(clips))
	for _, c := range clips {
		c.Streams = make(map[string]*StreamAssociation)
		byPath[c.Path] = c
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT path, stream_id, position, start_time, end_time FROM clip_streams
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var path, streamID string
		var position int
		var start, end sql.NullFloat64
		if err := rows.Scan(&path, &streamID, &position, &start, &end); err != nil {
			return err
		}
		clip, ok := byPath[path]
		if !ok {
			continue
		}
		clip.Streams[streamID] = &StreamAssociation{
			StreamID:  streamID,
			Position:  position,
			StartTime: floatPtr(start),
			EndTime:   floatPtr(end),
		}
	}
	return rows.Err()
}

func (r *SQLiteRepository) DeleteClip(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM clips WHERE path = ?", path)
	return err
}

func (r *SQLiteRepository) CountClips(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clips").Scan(&count)
	return count, err
}

func (r *SQLiteRepository) SetClipEnabled(ctx context.Context, path string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clips SET enabled = ? WHERE path = ?", boolToInt(enabled), path)
	return err
}

func (r *SQLiteRepository) SetClipTrim(ctx context.Context, path string, startTrim, endTrim float64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clips SET start_trim = ?, end_trim = ? WHERE path = ?", startTrim, endTrim, path)
	return err
}

func (r *SQLiteRepository) MarkClipLoaded(ctx context.Context, path string, duration float64, thumbnail string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clips SET loaded = 1, duration = ?, thumbnail = ? WHERE path = ?
	`, duration, nullString(thumbnail), path)
	return err
}

func (r *SQLiteRepository) SetGlobalPosition(ctx context.Context, path string, position int) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clips SET global_position = ? WHERE path = ?", position, path)
	return err
}

func (r *SQLiteRepository) ShiftGlobalPositions(ctx context.Context, delta int) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clips SET global_position = global_position + ?", delta)
	return err
}

func (r *SQLiteRepository) MaxGlobalPosition(ctx context.Context) (int, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(global_position) FROM clips").Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (r *SQLiteRepository) UpsertAssociation(ctx context.Context, a *StreamAssociation, path string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clip_streams (path, stream_id, position, start_time, end_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, stream_id) DO UPDATE SET
			position = excluded.position,
			start_time = excluded.start_time,
			end_time = excluded.end_time
	`, path, a.StreamID, a.Position, nullFloat(a.StartTime), nullFloat(a.EndTime))
	return err
}

func (r *SQLiteRepository) DeleteAssociation(ctx context.Context, path, streamID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM clip_streams WHERE path = ? AND stream_id = ?", path, streamID)
	return err
}

func (r *SQLiteRepository) ListAssociations(ctx context.Context, streamID string) ([]*AssociationRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, path, stream_id, position, start_time, end_time
		FROM clip_streams WHERE stream_id = ? ORDER BY seq ASC
	`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AssociationRow
	for rows.Next() {
		var a AssociationRow
		var start, end sql.NullFloat64
		if err := rows.Scan(&a.Seq, &a.Path, &a.StreamID, &a.Position, &start, &end); err != nil {
			return nil, err
		}
		a.StartTime = floatPtr(start)
		a.EndTime = floatPtr(end)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SetAssociationPosition(ctx context.Context, path, streamID string, position int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clip_streams SET position = ? WHERE path = ? AND stream_id = ?
	`, position, path, streamID)
	return err
}

func (r *SQLiteRepository) ShiftStreamPositions(ctx context.Context, streamID string, delta int) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clip_streams SET position = position + ? WHERE stream_id = ?", delta, streamID)
	return err
}

func (r *SQLiteRepository) MaxStreamPosition(ctx context.Context, streamID string) (int, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(position) FROM clip_streams WHERE stream_id = ?", streamID).Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (r *SQLiteRepository) CountStreamClips(ctx context.Context, streamID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clip_streams WHERE stream_id = ?", streamID).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) CreateStream(ctx context.Context, s *Stream) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO streams (id, title, game, date, source_path, state, progress, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Title, s.Game, s.Date, s.SourcePath, string(s.State), s.Progress,
		nullString(s.Error), s.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetStream(ctx context.Context, id string) (*Stream, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, game, date, source_path, state, progress, error, created_at
		FROM streams WHERE id = ?
	`, id)
	return scanStream(row)
}

func (r *SQLiteRepository) ListStreams(ctx context.Context) ([]*Stream, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, game, date, source_path, state, progress, error, created_at
		FROM streams ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []*Stream
	for rows.Next() {
		var s Stream
		var state, createdAt string
		var errMsg sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &s.Game, &s.Date, &s.SourcePath, &state, &s.Progress, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		s.State = StreamState(state)
		s.Error = errMsg.String
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		streams = append(streams, &s)
	}
	return streams, rows.Err()
}

func (r *SQLiteRepository) DeleteStream(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM streams WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) UpdateStreamState(ctx context.Context, id string, state StreamState, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE streams SET state = ?, error = ? WHERE id = ?
	`, string(state), nullString(errMsg), id)
	return err
}

func (r *SQLiteRepository) UpdateStreamProgress(ctx context.Context, id string, progress float64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE streams SET progress = ? WHERE id = ?", progress, id)
	return err
}

func (r *SQLiteRepository) GetExportInfo(ctx context.Context) (*ExportInfo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT exporting, current_frame, total_frames, step, cancel_requested,
		       file, preview_file, exported, error, fps, resolution, preset
		FROM export_info WHERE id = 1
	`)

	var info ExportInfo
	var exporting, cancelRequested, exported int
	var step string
	err := row.Scan(&exporting, &info.CurrentFrame, &info.TotalFrames, &step, &cancelRequested,
		&info.File, &info.PreviewFile, &exported, &info.Error, &info.FPS, &info.Resolution, &info.Preset)
	if err != nil {
		return nil, err
	}
	info.Exporting = exporting == 1
	info.CancelRequested = cancelRequested == 1
	info.Exported = exported == 1
	info.Step = ExportStep(step)
	return &info, nil
}

func (r *SQLiteRepository) SaveExportInfo(ctx context.Context, info *ExportInfo) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_info SET
			exporting = ?, current_frame = ?, total_frames = ?, step = ?, cancel_requested = ?,
			file = ?, preview_file = ?, exported = ?, error = ?, fps = ?, resolution = ?, preset = ?
		WHERE id = 1
	`, boolToInt(info.Exporting), info.CurrentFrame, info.TotalFrames, string(info.Step),
		boolToInt(info.CancelRequested), info.File, info.PreviewFile, boolToInt(info.Exported),
		info.Error, info.FPS, info.Resolution, info.Preset)
	return err
}

func (r *SQLiteRepository) GetUploadInfo(ctx context.Context, platform string) (*UploadInfo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT platform, uploading, uploaded_bytes, total_bytes, cancel_requested, video_id, error
		FROM upload_info WHERE platform = ?
	`, platform)

	var info UploadInfo
	var uploading, cancelRequested, errFlag int
	err := row.Scan(&info.Platform, &uploading, &info.UploadedBytes, &info.TotalBytes,
		&cancelRequested, &info.VideoID, &errFlag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.Uploading = uploading == 1
	info.CancelRequested = cancelRequested == 1
	info.Error = errFlag == 1
	return &info, nil
}

func (r *SQLiteRepository) SaveUploadInfo(ctx context.Context, info *UploadInfo) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_info (platform, uploading, uploaded_bytes, total_bytes, cancel_requested, video_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			uploading = excluded.uploading,
			uploaded_bytes = excluded.uploaded_bytes,
			total_bytes = excluded.total_bytes,
			cancel_requested = excluded.cancel_requested,
			video_id = excluded.video_id,
			error = excluded.error
	`, info.Platform, boolToInt(info.Uploading), info.UploadedBytes, info.TotalBytes,
		boolToInt(info.CancelRequested), info.VideoID, boolToInt(info.Error))
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClipRow(row rowScanner) (*Clip, error) {
	var c Clip
	var enabled, loaded int
	var duration sql.NullFloat64
	var thumbnail, inputs sql.NullString
	var round sql.NullInt64
	var score float64
	var source, createdAt string

	err := row.Scan(&c.Path, &enabled, &c.StartTrim, &c.EndTrim, &loaded, &duration,
		&thumbnail, &source, &c.GlobalPosition, &score, &inputs, &round, &createdAt)
	if err != nil {
		return nil, err
	}

	c.Enabled = enabled == 1
	c.Loaded = loaded == 1
	c.Duration = floatPtr(duration)
	c.Thumbnail = thumbnail.String
	c.Source = ClipSource(source)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if c.Source == SourceAiClip {
		info := &AiInfo{Score: score, Round: int(round.Int64)}
		if inputs.Valid {
			_ = json.Unmarshal([]byte(inputs.String), &info.Inputs)
		}
		c.AiInfo = info
	}
	return &c, nil
}

func scanClip(row *sql.Row) (*Clip, error) {
	clip, err := scanClipRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return clip, err
}

func scanClips(rows *sql.Rows) ([]*Clip, error) {
	var clips []*Clip
	for rows.Next() {
		clip, err := scanClipRow(rows)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
	}
	return clips, rows.Err()
}

func scanStream(row *sql.Row) (*Stream, error) {
	var s Stream
	var state, createdAt string
	var errMsg sql.NullString

	err := row.Scan(&s.ID, &s.Title, &s.Game, &s.Date, &s.SourcePath, &state, &s.Progress, &errMsg, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.State = StreamState(state)
	s.Error = errMsg.String
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
