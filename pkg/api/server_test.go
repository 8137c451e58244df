package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/types"
)

const testAPIKey = "sesame"

type apiEnv struct {
	srv     *httptest.Server
	backend *backend.Redis
	broker  *broker.Broker
	store   *share.Store
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	be := backend.NewRedisFromClient(client, time.Hour)
	br := broker.NewFromClient(client)

	store, err := share.NewStore(t.TempDir())
	require.NoError(t, err)

	procDir := t.TempDir()
	scripts := map[string]string{
		"sleep.js": "// Sleep for params.duration seconds.\nfunction main(pc, params) { return { sleep: params.duration }; }",
		"ongpu.js": `main = schedule({queue: 'gpu'})(main);
function main(pc, params) { return 1; }
function schedule(opts) { return function(fn) { return fn; }; }`,
	}
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(procDir, name), []byte(body), 0o644))
	}

	digest := sha256.Sum256([]byte(testAPIKey))
	server := NewServer(be, br, store, script.NewLoader(procDir), hex.EncodeToString(digest[:]))
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, backend: be, broker: br, store: store}
}

func (e *apiEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

type submission struct {
	process string
	name    string
	params  string
	config  string
	file    string // optional input file content, named input.fbx
	script  string // optional custom script content, named custom.js
}

func (e *apiEnv) submit(t *testing.T, sub submission) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("process", sub.process))
	if sub.name != "" {
		require.NoError(t, mw.WriteField("name", sub.name))
	}
	if sub.params != "" {
		require.NoError(t, mw.WriteField("params", sub.params))
	}
	if sub.config != "" {
		require.NoError(t, mw.WriteField("config", sub.config))
	}
	if sub.file != "" {
		fw, err := mw.CreateFormFile("file", "input.fbx")
		require.NoError(t, err)
		_, err = fw.Write([]byte(sub.file))
		require.NoError(t, err)
	}
	if sub.script != "" {
		fw, err := mw.CreateFormFile("script", "custom.js")
		require.NoError(t, err)
		_, err = fw.Write([]byte(sub.script))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/jobs", &buf)
	require.NoError(t, err)
	req.Header.Set("x-api-key", testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func popDelivery(t *testing.T, br *broker.Broker, queue string) *types.Delivery {
	t.Helper()
	c := broker.NewConsumer(br, []string{queue}, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, _, err := c.Next(ctx)
	require.NoError(t, err)
	return d
}

func TestRejectsMissingAPIKey(t *testing.T) {
	env := newAPIEnv(t)
	resp, err := http.Get(env.srv.URL + "/processes")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(401), body["code"])
	assert.Equal(t, "Unauthorized", body["message"])
}

func TestBannerNeedsNoAuth(t *testing.T) {
	env := newAPIEnv(t)
	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListProcesses(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.get(t, "/processes")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.ElementsMatch(t, []interface{}{"sleep", "ongpu"}, body["processes"])
}

func TestProcessDoc(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.get(t, "/processes/sleep")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["doc"], "Sleep for params.duration seconds")

	resp = env.get(t, "/processes/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitNamedProcess(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.submit(t, submission{
		process: "sleep",
		name:    "my-job",
		params:  `{"duration": 0.2}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	jobID, _ := body["uuid"].(string)
	assert.True(t, types.IsValidJobID(jobID))
	assert.Equal(t, "my-job", body["name"])
	assert.Equal(t, string(types.StatusSent), body["status"])

	d := popDelivery(t, env.broker, types.QueueCPU)
	assert.Equal(t, jobID, d.ID)
	assert.Equal(t, 0.2, d.Params["duration"])

	p, err := pc.FromMap(d.PC)
	require.NoError(t, err)
	assert.Equal(t, "sleep", p.Script)
	assert.True(t, p.IsLocal)
	assert.Equal(t, "my-job", p.Shadow)

	meta, err := env.backend.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, meta.Status)
}

func TestSubmitFollowsScriptDirective(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.submit(t, submission{process: "ongpu"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := popDelivery(t, env.broker, types.QueueGPU)
	assert.Equal(t, types.QueueGPU, d.Queue)
}

func TestSubmitExplicitQueueBeatsDirective(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.submit(t, submission{process: "ongpu", config: `{"queue": "cpu"}`})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := popDelivery(t, env.broker, types.QueueCPU)
	assert.Equal(t, types.QueueCPU, d.Queue)
}

func TestSubmitValidationFailures(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	cases := map[string]submission{
		"unknown process":   {process: "nope"},
		"bad params json":   {process: "sleep", params: "{"},
		"bad config json":   {process: "sleep", config: "{"},
		"custom w/o script": {process: "custom"},
		"unknown queue":     {process: "sleep", config: `{"queue": "warp"}`},
	}
	for name, sub := range cases {
		resp := env.submit(t, sub)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	depth, err := env.broker.QueueDepth(ctx, types.QueueCPU)
	require.NoError(t, err)
	assert.Zero(t, depth, "rejected submissions must not enqueue")
}

func TestSubmitCustomScriptWithInput(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.submit(t, submission{
		process: "custom",
		script:  `function main(pc, params) { return pc.inputFile; }`,
		file:    "binary scene data",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := popDelivery(t, env.broker, types.QueueCPU)
	p, err := pc.FromMap(d.PC)
	require.NoError(t, err)
	assert.False(t, p.IsLocal)
	assert.True(t, env.store.IsPathInShare(p.Script), "the uploaded script lands in the share")
	assert.True(t, env.store.IsPathInShare(p.InputFile))

	content, err := os.ReadFile(p.InputFile)
	require.NoError(t, err)
	assert.Equal(t, "binary scene data", string(content))
}

func TestJobStateAndDetails(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, env.backend.Put(ctx, &types.TaskMeta{
		TaskID: jobID,
		Status: types.StatusSuccess,
		Result: map[string]interface{}{
			"progress":    float64(100),
			"shadow_name": "alias",
			"steps":       []interface{}{map[string]interface{}{"info": "Loading", "duration": 1.5}},
			"retry":       float64(1),
			"result":      map[string]interface{}{"faces": float64(42)},
		},
		DateDone: &done,
	}))

	resp := env.get(t, "/jobs/"+jobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state types.JobState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, types.StatusSuccess, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, "alias", state.Name)

	resp = env.get(t, "/jobs/"+jobID+"/details")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var details types.JobDetails
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&details))
	require.Len(t, details.Steps, 1)
	assert.Equal(t, "Loading", details.Steps[0].Info)
	assert.Equal(t, 1, details.Retry)
	assert.Equal(t, float64(42), details.Result["faces"])
	require.NotNil(t, details.TimeInfo.Stopped, "date_done backfills a missing stop time")
	assert.True(t, details.TimeInfo.Stopped.Equal(done))
}

func TestJobLookupErrors(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.get(t, "/jobs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/jobs/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOutputsListingAndStreaming(t *testing.T) {
	env := newAPIEnv(t)
	jobID := uuid.NewString()

	outDir, err := env.store.OutputDir(jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "scene.glb"), []byte("model-bytes"), 0o644))

	resp := env.get(t, "/jobs/"+jobID+"/outputs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, []interface{}{"scene.glb"}, body["outputs"])

	resp = env.get(t, "/jobs/"+jobID+"/outputs/scene.glb")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))

	resp = env.get(t, "/jobs/"+jobID+"/outputs/missing.glb")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.get(t, "/jobs/"+uuid.NewString()+"/outputs")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOutputTraversalRejected(t *testing.T) {
	env := newAPIEnv(t)
	jobID := uuid.NewString()
	_, err := env.store.OutputDir(jobID)
	require.NoError(t, err)

	resp := env.get(t, "/jobs/"+jobID+"/outputs/..%2F..%2Fetc%2Fpasswd")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArchiveProtocol(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	_, err := env.store.OutputDir(jobID)
	require.NoError(t, err)
	require.NoError(t, env.backend.SetState(ctx, jobID, backend.Patch{Status: types.StatusSuccess}))

	// first call enqueues the build and answers too-early
	resp := env.get(t, "/jobs/"+jobID+"/outputs/archive")
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)

	d := popDelivery(t, env.broker, types.QueueArchive)
	assert.Equal(t, types.TaskPackage, d.Task)
	assert.Equal(t, jobID, d.Params["job_id"])

	// once the archive exists it streams
	path, err := env.store.ArchivePath(jobID, "zip")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("zip-bytes"), 0o644))

	resp = env.get(t, "/jobs/"+jobID+"/outputs/archive")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))
}

func TestArchiveWhileRunningIsTooEarly(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	_, err := env.store.OutputDir(jobID)
	require.NoError(t, err)
	require.NoError(t, env.backend.SetState(ctx, jobID, backend.Patch{Status: types.StatusRunning}))

	resp := env.get(t, "/jobs/"+jobID+"/outputs/archive")
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)

	depth, err := env.broker.QueueDepth(ctx, types.QueueArchive)
	require.NoError(t, err)
	assert.Zero(t, depth, "a running job must not trigger packaging")
}

func TestArchiveMissingJob(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.get(t, "/jobs/"+uuid.NewString()+"/outputs/archive")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRawTaskMeta(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	require.NoError(t, env.backend.SetState(ctx, jobID, backend.Patch{
		Status: types.StatusStarted,
		Result: map[string]interface{}{"progress": float64(10)},
	}))

	resp := env.get(t, "/backend/get_task_meta/"+jobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta types.TaskMeta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, jobID, meta.TaskID)
	assert.Equal(t, types.StatusStarted, meta.Status)

	resp = env.get(t, "/backend/get_task_meta/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
