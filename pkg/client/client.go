package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pixyz/scheduler/pkg/types"
)

// ErrTooEarly is returned by Archive while the server is still packaging
// the job outputs.
var ErrTooEarly = errors.New("archive not ready yet")

// defaultWatchInterval paces Watch polling
const defaultWatchInterval = time.Second

// Client talks to the scheduler's HTTP facade
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client against baseURL (scheme and host, no trailing slash)
// authenticated with apiKey. An empty apiKey sends no auth header.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// APIError is a structured error answer from the facade
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Submission describes one job submission. Process selects a server-side
// script by name, or the literal "custom" together with ScriptPath.
type Submission struct {
	Process    string
	Name       string
	ScriptPath string
	InputPath  string
	Params     map[string]interface{}
	Config     map[string]interface{}
}

// Submitted is the facade's answer to a submission
type Submitted struct {
	UUID   string       `json:"uuid"`
	Name   string       `json:"name"`
	Status types.Status `json:"status"`
}

// Submit posts a multipart job submission
func (c *Client) Submit(ctx context.Context, sub Submission) (*Submitted, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("process", sub.Process); err != nil {
		return nil, err
	}
	if sub.Name != "" {
		if err := mw.WriteField("name", sub.Name); err != nil {
			return nil, err
		}
	}
	if err := writeJSONField(mw, "params", sub.Params); err != nil {
		return nil, err
	}
	if err := writeJSONField(mw, "config", sub.Config); err != nil {
		return nil, err
	}
	if sub.ScriptPath != "" {
		if err := attachFile(mw, "script", sub.ScriptPath); err != nil {
			return nil, err
		}
	}
	if sub.InputPath != "" {
		if err := attachFile(mw, "file", sub.InputPath); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.request(ctx, http.MethodPost, "/jobs", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out Submitted
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Processes lists the scripts available on the server
func (c *Client) Processes(ctx context.Context) ([]string, error) {
	var out struct {
		Processes []string `json:"processes"`
	}
	if err := c.get(ctx, "/processes", &out); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

// ProcessDoc fetches the doc comment of a process's entrypoint
func (c *Client) ProcessDoc(ctx context.Context, name string) (string, error) {
	var out struct {
		Doc string `json:"doc"`
	}
	if err := c.get(ctx, "/processes/"+name, &out); err != nil {
		return "", err
	}
	return out.Doc, nil
}

// State fetches the short status view of a job
func (c *Client) State(ctx context.Context, jobID string) (*types.JobState, error) {
	var out types.JobState
	if err := c.get(ctx, "/jobs/"+jobID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Details fetches the full job view: timing, steps and result payload
func (c *Client) Details(ctx context.Context, jobID string) (*types.JobDetails, error) {
	var out types.JobDetails
	if err := c.get(ctx, "/jobs/"+jobID+"/details", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Outputs lists the job's output files
func (c *Client) Outputs(ctx context.Context, jobID string) ([]string, error) {
	var out struct {
		Outputs []string `json:"outputs"`
	}
	if err := c.get(ctx, "/jobs/"+jobID+"/outputs", &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}

// Download streams one output file into w
func (c *Client) Download(ctx context.Context, jobID, name string, w io.Writer) (int64, error) {
	req, err := c.request(ctx, http.MethodGet, "/jobs/"+jobID+"/outputs/"+name, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// Archive streams the packaged outputs archive into w. While the server is
// still building it the call returns ErrTooEarly; callers poll.
func (c *Client) Archive(ctx context.Context, jobID, format string, w io.Writer) (int64, error) {
	path := "/jobs/" + jobID + "/outputs/archive"
	if format != "" {
		path += "?format=" + format
	}
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.Copy(w, resp.Body)
	case http.StatusTooEarly:
		io.Copy(io.Discard, resp.Body)
		return 0, ErrTooEarly
	default:
		return 0, decodeError(resp)
	}
}

// Watch polls the job until it reaches a terminal state. onChange, when not
// nil, fires on every observed status or progress change.
func (c *Client) Watch(ctx context.Context, jobID string, interval time.Duration,
	onChange func(types.JobState)) (*types.JobState, error) {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	var last types.JobState
	for {
		state, err := c.State(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onChange != nil && (state.Status != last.Status || state.Progress != last.Progress) {
			onChange(*state)
		}
		last = *state
		if state.Status.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ExitCode maps a job status onto the process exit code contract used by
// batch callers
func ExitCode(status types.Status) int {
	switch status {
	case types.StatusSuccess:
		return 0
	case types.StatusFailure:
		return 10
	case types.StatusRevoked:
		return 11
	case types.StatusRetry:
		return 12
	case types.StatusPending, types.StatusSent:
		return 13
	case types.StatusStarted, types.StatusRunning:
		return 14
	case types.StatusReceived:
		return 15
	case types.Status("REJECTED"):
		return 16
	default:
		return 17
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler api unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns a non-200 answer into an APIError, falling back to the
// bare status code when the body is not the structured shape
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Code: resp.StatusCode, Message: resp.Status}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(data) > 0 {
		var body APIError
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			apiErr = &body
		}
	}
	return apiErr
}

func writeJSONField(mw *multipart.Writer, field string, m map[string]interface{}) error {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return mw.WriteField(field, string(data))
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}
