package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pixyz/scheduler/pkg/types"
)

// remotePollInterval paces Subscribe when the peer offers no push channel
const remotePollInterval = 500 * time.Millisecond

// Remote reads task meta from the facade of another scheduler cluster over
// its /backend/get_task_meta endpoint. It is read-only: a downstream consumer
// observes upstream tasks but never writes their state.
type Remote struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemote builds a remote backend against baseURL (scheme and host, no
// trailing slash) authenticated with apiKey
func NewRemote(baseURL, apiKey string) *Remote {
	return &Remote{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Remote) Get(ctx context.Context, taskID string) (*types.TaskMeta, error) {
	url := r.baseURL + "/backend/get_task_meta/" + taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if r.apiKey != "" {
		req.Header.Set("x-api-key", r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, types.ErrTaskNotFound
	default:
		return nil, fmt.Errorf("remote backend returned status %d", resp.StatusCode)
	}

	var meta types.TaskMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode remote task meta: %w", err)
	}
	if meta.TaskID == "" {
		meta.TaskID = taskID
	}
	return &meta, nil
}

// Subscribe polls the peer until the task reaches a terminal state
func (r *Remote) Subscribe(ctx context.Context, taskID string) (<-chan types.Status, func(), error) {
	out := make(chan types.Status, subscribeBuffered)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ticker := time.NewTicker(remotePollInterval)
		defer ticker.Stop()
		last := types.Status("")
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
			meta, err := r.Get(ctx, taskID)
			if err != nil {
				continue
			}
			if meta.Status != last {
				last = meta.Status
				select {
				case out <- meta.Status:
				default:
				}
			}
			if meta.Status.Terminal() {
				return
			}
		}
	}()

	var closed bool
	cancel := func() {
		if !closed {
			closed = true
			close(done)
		}
	}
	return out, cancel, nil
}

func (r *Remote) Put(context.Context, *types.TaskMeta) error {
	return fmt.Errorf("remote backend is read-only")
}

func (r *Remote) SetState(context.Context, string, Patch) error {
	return fmt.Errorf("remote backend is read-only")
}

func (r *Remote) ListTaskIDs(context.Context) ([]string, error) {
	return nil, fmt.Errorf("remote backend does not enumerate tasks")
}

func (r *Remote) Delete(context.Context, string) error {
	return fmt.Errorf("remote backend is read-only")
}

func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
