package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"palette": []string{"red", "blue"},
		"mood":    "dramatic",
	}

	data, err := j.Value()
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data.([]byte), &result))
	assert.Equal(t, "dramatic", result["mood"])
}

func TestSegmentListScan(t *testing.T) {
	var l SegmentList
	require.NoError(t, l.Scan([]byte(`[{"index":0,"start_s":0,"end_s":4,"snippet":"hello"}]`)))
	require.Len(t, l, 1)
	assert.Equal(t, 4.0, l[0].EndS)
	assert.Equal(t, "hello", l[0].Snippet)

	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)
}

func TestStringListNilStoresEmptyArray(t *testing.T) {
	var l StringList
	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)
}

func TestTransitionForwardOnly(t *testing.T) {
	job := NewJob("https://a", "https://i", UserOptions{})

	require.NoError(t, job.Transition(JobStatusRunning))
	require.NotNil(t, job.StartedAt)
	require.NoError(t, job.Transition(JobStatusGeneratingScenes))

	err := job.Transition(JobStatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = job.Transition(JobStatusGeneratingScenes)
	assert.ErrorIs(t, err, ErrInvalidTransition, "same state is not a forward move")

	require.NoError(t, job.Transition(JobStatusComposing))
	require.NoError(t, job.Transition(JobStatusDone))
	require.NotNil(t, job.FinishedAt)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []JobStatus{JobStatusDone, JobStatusFailed} {
		job := &Job{Status: terminal}
		for _, next := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusComposing, JobStatusDone, JobStatusFailed} {
			assert.False(t, job.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
}

func TestFailedReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusGeneratingScenes, JobStatusComposing} {
		job := &Job{Status: s}
		assert.True(t, job.CanTransitionTo(JobStatusFailed), s)
	}
}

func TestSetProgressMonotonic(t *testing.T) {
	job := &Job{}
	assert.True(t, job.SetProgress(0.3))
	assert.False(t, job.SetProgress(0.2))
	assert.Equal(t, 0.3, job.Progress)
	assert.True(t, job.SetProgress(1.7))
	assert.Equal(t, 1.0, job.Progress)
}

func TestCloneIsDeep(t *testing.T) {
	job := NewJob("a", "i", UserOptions{StyleTags: []string{"noir"}})
	job.ClipKeys = StringList{"k0", ""}
	job.GlobalStyle = &GlobalStyle{Mood: "calm", Motifs: []string{"moon"}}

	c := job.Clone()
	c.ClipKeys[1] = "k1"
	c.GlobalStyle.Motifs[0] = "sun"
	c.Options.StyleTags[0] = "pop"

	assert.Equal(t, "", job.ClipKeys[1])
	assert.Equal(t, "moon", job.GlobalStyle.Motifs[0])
	assert.Equal(t, "noir", job.Options.StyleTags[0])
}

func TestStatusResponseHidesFinalURLUnlessDone(t *testing.T) {
	url := "https://cdn/final.mp4"
	job := &Job{Status: JobStatusComposing, FinalVideoURL: &url}
	assert.Nil(t, job.StatusResponse().FinalVideoURL)

	job.Status = JobStatusDone
	resp := job.StatusResponse()
	require.NotNil(t, resp.FinalVideoURL)
	assert.Equal(t, url, *resp.FinalVideoURL)
	assert.Nil(t, resp.Error)
}

func TestStatusResponseShape(t *testing.T) {
	job := NewJob("a", "i", UserOptions{})
	data, err := json.Marshal(job.StatusResponse())
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"job_id", "status", "progress", "message", "final_video_url", "global_mood", "global_style", "error"} {
		assert.Contains(t, m, key)
	}
	assert.Nil(t, m["final_video_url"])
	assert.Nil(t, m["error"])
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&ValidationError{Field: "audio", Message: "too big"}, ErrorKindValidation},
		{fmt.Errorf("plan: %w", &SceneValidationError{Index: -1, Field: "count", Expected: "5", Actual: "4"}), ErrorKindSceneValidation},
		{&ProviderError{Provider: "veo", Op: "generate", Transient: true, Err: errors.New("503")}, ErrorKindProviderTransient},
		{&ProviderError{Provider: "veo", Op: "generate", Err: errors.New("blocked")}, ErrorKindProviderFatal},
		{&CompositionError{Op: "mux", Err: errors.New("exit 1")}, ErrorKindComposition},
		{errors.New("boom"), ErrorKindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), tc.err.Error())
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ProviderError{Transient: true, Err: errors.New("timeout")}))
	assert.False(t, IsTransient(&ProviderError{Err: errors.New("bad request")}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestIsHandleDone(t *testing.T) {
	expired := &ProviderError{Provider: "xai", Op: "poll", Transient: true, HandleDone: true, Err: errors.New("expired")}
	assert.True(t, IsHandleDone(fmt.Errorf("scene 1: %w", expired)))
	assert.False(t, IsHandleDone(&ProviderError{Transient: true, Err: errors.New("503")}))
	assert.False(t, IsHandleDone(errors.New("plain")))
}

func TestUserOptionsDefaults(t *testing.T) {
	o := UserOptions{}.WithDefaults()
	assert.Equal(t, DefaultSceneLengthS, o.SceneLengthS)
	assert.Equal(t, AspectPortrait, o.AspectRatio)
}
