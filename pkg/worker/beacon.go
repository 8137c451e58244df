package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

// beaconPrefix names the crash beacon files in the worker's tmp directory.
// A beacon present without its worker means the task died with the process:
// segfault, OOM kill, power loss.
const beaconPrefix = "latest_task_id."

// Beacon is the on-disk marker of the task a worker slot is executing
type Beacon struct {
	path string
}

func newBeacon(dir, workerID string, slot int) *Beacon {
	return &Beacon{path: filepath.Join(dir, fmt.Sprintf("%s%s-%d", beaconPrefix, workerID, slot))}
}

// Write records the delivery about to execute
func (b *Beacon) Write(d *types.Delivery) error {
	info := types.TaskInfo{
		TaskID:  d.ID,
		Name:    d.Task,
		Queue:   d.Queue,
		Params:  d.Params,
		Retries: d.Retries,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o644)
}

// Remove clears the beacon after the task returned, however it went
func (b *Beacon) Remove() error {
	err := os.Remove(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Recover scans dir for beacons left behind by dead workers and fails their
// tasks so clients stop waiting on them. The tasks are also revoked in case
// a requeued copy is still in flight. Returns the recovered task ids.
func Recover(ctx context.Context, dir string, be backend.Backend, br *broker.Broker) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, beaconPrefix+"*"))
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("unreadable crash beacon")
			continue
		}
		var info types.TaskInfo
		if err := json.Unmarshal(data, &info); err != nil || info.TaskID == "" {
			log.Logger.Warn().Str("path", path).Msg("malformed crash beacon, removing")
			_ = os.Remove(path)
			continue
		}

		logger := log.WithTaskID(info.TaskID)
		err = be.SetState(ctx, info.TaskID, backend.Patch{
			Status: types.StatusFailure,
			Failure: &types.FailureMeta{
				ExcType:    "SystemError",
				ExcModule:  "scheduler",
				ExcMessage: "Not enough memory or segfault",
			},
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to fail crashed task")
			continue
		}
		if err := br.Revoke(ctx, info.TaskID); err != nil {
			logger.Warn().Err(err).Msg("failed to revoke crashed task")
		}
		if err := os.Remove(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove crash beacon")
		}
		logger.Info().Str("queue", info.Queue).Msg("crashed task recovered")
		recovered = append(recovered, info.TaskID)
	}
	return recovered, nil
}
