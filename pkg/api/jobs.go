package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/metrics"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/types"
)

const (
	// maxMultipartMemory bounds the in-memory part of an upload; the rest
	// spills to disk
	maxMultipartMemory = 64 << 20

	// customProcess selects a caller-uploaded script instead of a process
	// from the process directory
	customProcess = "custom"

	// packagingMarkerTTL mirrors the executor's guard so duplicate archive
	// requests collapse while a build is live
	packagingMarkerTTL = 30 * time.Minute
)

// handleSubmit accepts a multipart job submission: process selection, an
// optional input file, params/config JSON and an optional display name.
// Nothing is enqueued unless every part validates.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "malformed multipart body")
		return
	}

	process := r.FormValue("process")
	if process == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing process field")
		return
	}
	name := r.FormValue("name")

	params, err := parseJSONField(r.FormValue("params"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "params is not valid JSON")
		return
	}
	cfg, err := parseJSONField(r.FormValue("config"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "config is not valid JSON")
		return
	}

	jobID := uuid.NewString()

	scriptRef, scriptPath, status, detail := s.resolveSubmittedScript(r, jobID, process)
	if status != 0 {
		writeError(w, status, "Bad Request", detail)
		return
	}

	p := pc.New(scriptRef, "main")
	p.IsLocal = process != customProcess
	p.Shadow = name
	p.ApplyConfig(cfg)

	insp, err := s.loader.InspectFile(scriptPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "script does not parse: "+err.Error())
		return
	}
	if !insp.HasEntrypoint(p.Entrypoint) {
		writeError(w, http.StatusBadRequest, "Bad Request",
			"entrypoint "+p.Entrypoint+" not found in script")
		return
	}

	var directiveQueue string
	if d := insp.Directive(p.Entrypoint); d != nil {
		directiveQueue = d.Queue
		if p.TimeLimit == 0 && d.TimeLimit > 0 {
			p.TimeLimit = d.TimeLimit
		}
	}
	queue := broker.RouteQueue(p.Queue, directiveQueue)
	if !broker.ValidQueue(queue) {
		writeError(w, http.StatusBadRequest, "Bad Request", "unknown queue "+queue)
		return
	}
	p.Queue = queue

	if status, detail := s.storeInputFile(r, jobID, p); status != 0 {
		writeError(w, status, "Bad Request", detail)
		return
	}

	pcMap, err := p.ToMap()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	patch := backend.Patch{Status: types.StatusSent}
	if name != "" {
		patch.Result = map[string]interface{}{"shadow_name": name}
	}
	_ = s.backend.SetState(r.Context(), jobID, patch)

	err = s.broker.Enqueue(r.Context(), types.Delivery{
		ID:     jobID,
		Task:   types.TaskExecute,
		Queue:  queue,
		PC:     pcMap,
		Params: params,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "broker unavailable")
		return
	}

	logger := log.WithTaskID(jobID)
	logger.Info().Str("process", process).Str("queue", queue).Msg("job submitted")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":   jobID,
		"name":   name,
		"status": types.StatusSent,
	})
}

// resolveSubmittedScript returns the script reference stored in the context
// and the local path used for inspection. Custom submissions upload the
// script into the job's inputs directory; named processes resolve against
// the process directory.
func (s *Server) resolveSubmittedScript(r *http.Request, jobID, process string) (ref, path string, status int, detail string) {
	if process != customProcess {
		resolved, err := s.loader.Resolve(process)
		if err != nil {
			return "", "", http.StatusBadRequest, "unknown process " + process
		}
		return process, resolved, 0, ""
	}

	file, header, err := r.FormFile("script")
	if err != nil {
		return "", "", http.StatusBadRequest, "custom process requires a script upload"
	}
	defer file.Close()

	dst, err := s.storeUpload(jobID, header.Filename, file)
	if err != nil {
		return "", "", http.StatusBadRequest, err.Error()
	}
	return dst, dst, 0, ""
}

// storeInputFile saves the optional input upload and points the context at it
func (s *Server) storeInputFile(r *http.Request, jobID string, p *pc.ProgramContext) (int, string) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return 0, ""
	}
	if err != nil {
		return http.StatusBadRequest, "malformed file upload"
	}
	defer file.Close()

	dst, err := s.storeUpload(jobID, header.Filename, file)
	if err != nil {
		return http.StatusBadRequest, err.Error()
	}
	p.InputFile = dst
	return 0, ""
}

func (s *Server) storeUpload(jobID, filename string, src multipart.File) (string, error) {
	dst, err := s.store.InputPath(jobID, filepath.Base(filename))
	if err != nil {
		return "", err
	}
	n, err := s.store.StreamUpload(dst, src)
	if err != nil {
		return "", err
	}
	metrics.UploadBytes.Add(float64(n))
	return dst, nil
}

func parseJSONField(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backend.ListTaskIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	jobs := make([]types.JobState, 0, len(ids))
	for _, id := range ids {
		meta, err := s.backend.Get(r.Context(), id)
		if err != nil {
			continue
		}
		jobs = append(jobs, stateFromMeta(meta))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateFromMeta(meta))
}

func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, detailsFromMeta(meta))
}

// lookupJob validates the uuid and fetches the task meta, writing the error
// response itself when either fails
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*types.TaskMeta, bool) {
	id := chi.URLParam(r, "uuid")
	if !types.IsValidJobID(id) {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid job id")
		return nil, false
	}
	meta, err := s.backend.Get(r.Context(), id)
	if errors.Is(err, types.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "Not Found", "unknown job "+id)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return nil, false
	}
	return meta, true
}

// stateFromMeta projects the stored record onto the short status view
func stateFromMeta(meta *types.TaskMeta) types.JobState {
	state := types.JobState{UUID: meta.TaskID, Status: meta.Status}
	if state.Status == "" {
		state.Status = types.StatusUnknown
	}
	if meta.Result != nil {
		if p, ok := meta.Result["progress"].(float64); ok {
			state.Progress = int(p)
		}
		if n, ok := meta.Result["shadow_name"].(string); ok {
			state.Name = n
		}
		if e, ok := meta.Result["error"].(string); ok {
			state.Error = e
		}
	}
	if meta.Status == types.StatusSuccess {
		state.Progress = 100
	}
	if state.Error == "" && meta.Failure != nil {
		state.Error = meta.Failure.ExcMessage
	}
	return state
}

func detailsFromMeta(meta *types.TaskMeta) types.JobDetails {
	details := types.JobDetails{JobState: stateFromMeta(meta)}

	var rm types.ResultMeta
	if meta.Result != nil {
		if data, err := json.Marshal(meta.Result); err == nil {
			_ = json.Unmarshal(data, &rm)
		}
	}
	if rm.TimeInfo != nil {
		details.TimeInfo = *rm.TimeInfo
	}
	// tasks that never stamped a stop time fall back to the backend's done
	// timestamp
	if details.TimeInfo.Stopped == nil && meta.DateDone != nil {
		details.TimeInfo.Stopped = meta.DateDone
	}
	details.Steps = rm.Steps
	if details.Steps == nil {
		details.Steps = []types.Step{}
	}
	details.Retry = rm.Retry
	details.Result = rm.Output
	return details
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if !types.IsValidJobID(id) {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid job id")
		return
	}
	outputs, err := s.store.ListOutputs(id)
	if errors.Is(err, types.ErrPathNotFound) {
		writeError(w, http.StatusNotFound, "Not Found", "job has no outputs")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})
}

func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if !types.IsValidJobID(id) {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid job id")
		return
	}
	name := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	path, err := s.store.OutputPath(id, name, true)
	if errors.Is(err, types.ErrInvalidPath) {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid output path")
		return
	}
	if errors.Is(err, types.ErrPathNotFound) {
		writeError(w, http.StatusNotFound, "Not Found", "no such output")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

// handleArchive implements the packaging protocol: the first request for a
// finished job enqueues the build and answers 425, later requests answer 425
// while the build runs and stream the archive once it exists.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if !types.IsValidJobID(id) {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid job id")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "zip"
	}
	ext, ok := types.SupportedArchive[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "Bad Request", "unsupported archive format "+format)
		return
	}

	inShare, err := s.store.IsJobInShare(id)
	if err != nil || !inShare {
		writeError(w, http.StatusNotFound, "Not Found", "job directory absent")
		return
	}

	path, err := s.store.ArchivePath(id, ext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if fileExists(path) {
		http.ServeFile(w, r, path)
		return
	}

	if meta, err := s.backend.Get(r.Context(), id); err == nil && !meta.Status.Terminal() {
		writeError(w, http.StatusTooEarly, "Too Early", "job still running")
		return
	}

	marker := share.NewStateMarker(s.store, id, "package", packagingMarkerTTL)
	if held, err := marker.Held(); err == nil && held {
		writeError(w, http.StatusTooEarly, "Too Early", "packaging in progress")
		return
	}

	err = s.broker.Enqueue(r.Context(), types.Delivery{
		ID:            uuid.NewString(),
		Task:          types.TaskPackage,
		Queue:         types.QueueArchive,
		Params:        map[string]interface{}{"job_id": id, "format": format},
		ManagementAck: true,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "broker unavailable")
		return
	}
	writeError(w, http.StatusTooEarly, "Too Early", "packaging started")
}

func (s *Server) handleTaskMeta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	meta, err := s.backend.Get(r.Context(), id)
	if errors.Is(err, types.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "Not Found", "unknown task "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	names, err := s.loader.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"processes": names})
}

func (s *Server) handleProcessDoc(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.loader.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found", "unknown process "+name)
		return
	}
	insp, err := s.loader.InspectFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"doc": insp.Doc("main")})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
