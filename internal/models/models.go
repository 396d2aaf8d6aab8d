package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusRunning          JobStatus = "running"
	JobStatusGeneratingScenes JobStatus = "generating_scenes"
	JobStatusComposing        JobStatus = "composing"
	JobStatusDone             JobStatus = "done"
	JobStatusFailed           JobStatus = "failed"
)

// statusRank orders the forward path. failed has no rank; it is reachable
// from any non-terminal state.
var statusRank = map[JobStatus]int{
	JobStatusQueued:           0,
	JobStatusRunning:          1,
	JobStatusGeneratingScenes: 2,
	JobStatusComposing:        3,
	JobStatusDone:             4,
}

// Valid reports whether s is one of the six known statuses.
func (s JobStatus) Valid() bool {
	if s == JobStatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Stage names the part of the pipeline that was executing when a job failed.
type Stage string

const (
	StageIntake         Stage = "intake"
	StageQueue          Stage = "queue"
	StageTiming         Stage = "timing"
	StageTranscription  Stage = "transcription"
	StageSegmentation   Stage = "segmentation"
	StageScenePlanning  Stage = "scene_planning"
	StageClipGeneration Stage = "clip_generation"
	StageComposition    Stage = "composition"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// scanJSON decodes a JSONB column value into dst. lib/pq hands JSONB back as
// []byte; string is accepted for drivers that return text.
func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Models

// Segment is a time window [StartS, EndS) of the audio with a best-effort
// lyric snippet. Energy, when present, is in [0,1].
type Segment struct {
	Index   int      `json:"index"`
	StartS  float64  `json:"start_s"`
	EndS    float64  `json:"end_s"`
	Snippet string   `json:"snippet"`
	Energy  *float64 `json:"energy,omitempty"`
}

// DurationS returns the span of the segment in seconds.
func (s Segment) DurationS() float64 {
	return s.EndS - s.StartS
}

// Scene annotates exactly one segment with generation directives. Its
// boundaries are copied from the segment and never changed.
type Scene struct {
	Index    int     `json:"index"`
	StartS   float64 `json:"start_s"`
	EndS     float64 `json:"end_s"`
	Prompt   string  `json:"prompt"`
	Camera   string  `json:"camera,omitempty"`
	Motion   string  `json:"motion,omitempty"`
	Negative string  `json:"negative,omitempty"`
}

func (s Scene) DurationS() float64 {
	return s.EndS - s.StartS
}

// GlobalStyle is computed once per job and applied to every scene.
type GlobalStyle struct {
	Mood       string   `json:"mood"`
	Style      string   `json:"style"`
	Palette    []string `json:"palette,omitempty"`
	Motifs     []string `json:"motifs,omitempty"`
	Exclusions []string `json:"exclusions,omitempty"`
}

func (g *GlobalStyle) Value() (driver.Value, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(g)
}

func (g *GlobalStyle) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, g)
}

// WordTimestamp is a single transcribed word with its timing in seconds.
type WordTimestamp struct {
	Word   string  `json:"word"`
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
}

// TranscriptSegment is a provider-side phrase or line with its timing.
type TranscriptSegment struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
	Text   string  `json:"text"`
}

// Transcript is whatever the transcription provider returned. Degraded marks
// a transcript that is empty, low confidence, or missing because the provider
// failed; the segmenter falls back accordingly and the job carries on.
type Transcript struct {
	Text           string              `json:"text"`
	Language       string              `json:"language,omitempty"`
	Words          []WordTimestamp     `json:"words,omitempty"`
	Segments       []TranscriptSegment `json:"segments,omitempty"`
	Degraded       bool                `json:"degraded,omitempty"`
	DegradedReason string              `json:"degraded_reason,omitempty"`
}

func (t *Transcript) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func (t *Transcript) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, t)
}

// SegmentList is the JSONB form of a job's segments.
type SegmentList []Segment

func (l SegmentList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *SegmentList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	return scanJSON(value, l)
}

// SceneList is the JSONB form of a job's scenes.
type SceneList []Scene

func (l SceneList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *SceneList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	return scanJSON(value, l)
}

// StringList is a JSONB array of strings. A nil list is stored as [].
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	return scanJSON(value, l)
}

// Aspect ratios accepted in UserOptions.
const (
	AspectPortrait  = "9:16"
	AspectLandscape = "16:9"
	AspectSquare    = "1:1"

	DefaultSceneLengthS = 4.0
)

// UserOptions carries per-job creative options supplied at creation time.
type UserOptions struct {
	StyleTags    []string `json:"style_tags,omitempty" validate:"max=10,dive,min=1,max=40"`
	SceneLengthS float64  `json:"scene_length_s,omitempty" validate:"omitempty,gte=2,lte=15"`
	AspectRatio  string   `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=9:16 16:9 1:1"`
	Language     string   `json:"language,omitempty" validate:"omitempty,min=2,max=8"`
	Captions     bool     `json:"captions,omitempty"`
	Mood         string   `json:"mood,omitempty" validate:"omitempty,max=80"`
}

// WithDefaults fills unset options.
func (o UserOptions) WithDefaults() UserOptions {
	if o.SceneLengthS <= 0 {
		o.SceneLengthS = DefaultSceneLengthS
	}
	if o.AspectRatio == "" {
		o.AspectRatio = AspectPortrait
	}
	return o
}

func (o UserOptions) Value() (driver.Value, error) {
	return json.Marshal(o)
}

func (o *UserOptions) Scan(value interface{}) error {
	if value == nil {
		*o = UserOptions{}
		return nil
	}
	return scanJSON(value, o)
}

// Job is the root record of one audio+image to video run. All other entities
// are owned by it. Version is bumped by the store on every successful write
// and is the compare-and-swap token for the single writer.
type Job struct {
	ID             uuid.UUID    `json:"id"`
	Status         JobStatus    `json:"status"`
	Progress       float64      `json:"progress"`
	Message        string       `json:"message"`
	AudioURL       string       `json:"audio_url"`
	ImageURL       string       `json:"image_url"`
	Options        UserOptions  `json:"user_options"`
	AudioDurationS *float64     `json:"audio_duration_s,omitempty"`
	Transcript     *Transcript  `json:"transcript,omitempty"`
	Segments       SegmentList  `json:"segments,omitempty"`
	Scenes         SceneList    `json:"scenes,omitempty"`
	GlobalStyle    *GlobalStyle `json:"global_style,omitempty"`
	ClipKeys       StringList   `json:"clip_keys"`
	FinalVideoKey  *string      `json:"final_video_key,omitempty"`
	FinalVideoURL  *string      `json:"final_video_url,omitempty"`
	ErrorKind      *ErrorKind   `json:"error_kind,omitempty"`
	ErrorStage     *Stage       `json:"error_stage,omitempty"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// NewJob returns a queued job for the given sources.
func NewJob(audioURL, imageURL string, opts UserOptions) *Job {
	return &Job{
		ID:       uuid.New(),
		Status:   JobStatusQueued,
		Message:  "Job queued for processing",
		AudioURL: audioURL,
		ImageURL: imageURL,
		Options:  opts,
	}
}

func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CanTransitionTo reports whether moving from the current status to next is
// allowed: strictly forward along the main path, or to failed from any
// non-terminal state.
func (j *Job) CanTransitionTo(next JobStatus) bool {
	if j.Status.IsTerminal() || !next.Valid() {
		return false
	}
	if next == JobStatusFailed {
		return true
	}
	return statusRank[next] > statusRank[j.Status]
}

// Transition moves the job to next or returns ErrInvalidTransition.
func (j *Job) Transition(next JobStatus) error {
	if !j.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	now := time.Now().UTC()
	if j.Status == JobStatusQueued && j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Status = next
	if next.IsTerminal() {
		j.FinishedAt = &now
	}
	return nil
}

// SetProgress raises progress to p, clamped to [0,1]. Lower values are
// ignored. It reports whether the stored value changed.
func (j *Job) SetProgress(p float64) bool {
	if p != p { // NaN
		return false
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// Clone returns a deep copy so a pending mutation can be discarded if the
// store rejects it.
func (j *Job) Clone() *Job {
	c := *j
	c.Options.StyleTags = append([]string(nil), j.Options.StyleTags...)
	if j.AudioDurationS != nil {
		v := *j.AudioDurationS
		c.AudioDurationS = &v
	}
	if j.Transcript != nil {
		t := *j.Transcript
		t.Words = append([]WordTimestamp(nil), j.Transcript.Words...)
		t.Segments = append([]TranscriptSegment(nil), j.Transcript.Segments...)
		c.Transcript = &t
	}
	if j.Segments != nil {
		c.Segments = append(SegmentList(nil), j.Segments...)
	}
	if j.Scenes != nil {
		c.Scenes = append(SceneList(nil), j.Scenes...)
	}
	if j.GlobalStyle != nil {
		g := *j.GlobalStyle
		g.Palette = append([]string(nil), j.GlobalStyle.Palette...)
		g.Motifs = append([]string(nil), j.GlobalStyle.Motifs...)
		g.Exclusions = append([]string(nil), j.GlobalStyle.Exclusions...)
		c.GlobalStyle = &g
	}
	if j.ClipKeys != nil {
		c.ClipKeys = append(StringList(nil), j.ClipKeys...)
	}
	c.FinalVideoKey = clonePtr(j.FinalVideoKey)
	c.FinalVideoURL = clonePtr(j.FinalVideoURL)
	c.ErrorKind = clonePtr(j.ErrorKind)
	c.ErrorStage = clonePtr(j.ErrorStage)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// DTOs

type CreateJobRequest struct {
	AudioURL string      `json:"audio_url" validate:"required,url,max=2048"`
	ImageURL string      `json:"image_url" validate:"required,url,max=2048"`
	Options  UserOptions `json:"user_options"`
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobStatusResponse is what pollers see. FinalVideoURL is only ever set for
// a done job.
type JobStatusResponse struct {
	JobID         uuid.UUID  `json:"job_id"`
	Status        JobStatus  `json:"status"`
	Progress      float64    `json:"progress"`
	Message       string     `json:"message"`
	FinalVideoURL *string    `json:"final_video_url"`
	GlobalMood    *string    `json:"global_mood"`
	GlobalStyle   *string    `json:"global_style"`
	Error         *string    `json:"error"`
	ErrorKind     *ErrorKind `json:"error_kind,omitempty"`
	ErrorStage    *Stage     `json:"error_stage,omitempty"`
}

func (j *Job) StatusResponse() JobStatusResponse {
	resp := JobStatusResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
	}
	if j.Status == JobStatusDone {
		resp.FinalVideoURL = clonePtr(j.FinalVideoURL)
	}
	if j.GlobalStyle != nil {
		if j.GlobalStyle.Mood != "" {
			mood := j.GlobalStyle.Mood
			resp.GlobalMood = &mood
		}
		if j.GlobalStyle.Style != "" {
			style := j.GlobalStyle.Style
			resp.GlobalStyle = &style
		}
	}
	if j.Status == JobStatusFailed {
		resp.Error = clonePtr(j.ErrorMessage)
		resp.ErrorKind = clonePtr(j.ErrorKind)
		resp.ErrorStage = clonePtr(j.ErrorStage)
	}
	return resp
}

type UploadResponse struct {
	AudioUploadID uuid.UUID `json:"audio_upload_id"`
	ImageUploadID uuid.UUID `json:"image_upload_id"`
	AudioURL      string    `json:"audio_url"`
	ImageURL      string    `json:"image_url"`
}

type DownloadResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
