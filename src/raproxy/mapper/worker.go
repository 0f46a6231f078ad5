// Package mapper converts between entity and model representations.
package mapper

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/raproxy/raproxy/src/raproxy/entity"
	"github.com/raproxy/raproxy/src/raproxy/model"
)

// WorkerRecordToModel maps a WorkerRecord entity to its model equivalent.
func WorkerRecordToModel(r *entity.WorkerRecord) *model.WorkerRecord {
	return &model.WorkerRecord{
		UUID:        r.UUID.String(),
		Pid:         r.Pid,
		Port:        r.Port,
		Root:        r.Root,
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339Nano),
		Initialized: r.Initialized,
		LogPath:     r.LogPath,
	}
}

// ModelToWorkerRecord maps a model WorkerRecord to its entity equivalent.
func ModelToWorkerRecord(r *model.WorkerRecord) (*entity.WorkerRecord, error) {
	id, err := uuid.FromString(r.UUID)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339Nano, r.StartedAt)
	if err != nil {
		return nil, err
	}

	return &entity.WorkerRecord{
		UUID:        id,
		Pid:         r.Pid,
		Port:        r.Port,
		Root:        r.Root,
		StartedAt:   startedAt,
		Initialized: r.Initialized,
		LogPath:     r.LogPath,
	}, nil
}
