package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/assemble"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// publish is the transactional lifecycle for committing a run.
//
// The order of operations matters:
//  1. Checksum each finished output (before the store may move it)
//  2. Stage each output under a temp key
//  3. Stage the manifest
//  4. Finalize everything at once
//  5. Tell the recorders
//
// If any step fails, everything staged so far is aborted.
func (e *Engine) publish(ctx context.Context, j *job, asm *assemble.Assembler, finished []string) (*Result, error) {
	sort.Strings(finished)
	plan := j.plan
	labels := j.labels()

	var staged []storage.Staged
	fail := func(err error) (*Result, error) {
		// Cleanup must run even when ctx is what failed.
		e.store.Abort(context.WithoutCancel(ctx), staged)
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(labels)
		}
		return nil, err
	}

	zone := e.loc.Zone()
	manifest := &storage.Manifest{
		RunID:   j.runID,
		Mode:    j.mode,
		Layout:  string(plan.Layout),
		Cameras: plan.Cameras,
		Range: storage.RangeInfo{
			Start:    plan.Range.Start.In(zone),
			End:      plan.Range.End.In(zone),
			Zone:     zone.String(),
			Included: plan.Included.String(),
		},
		Skip:      j.skip,
		Request:   j.request,
		Outputs:   make(map[string]storage.OutputInfo, len(finished)),
		Requested: plan.Requested,
		Positions: plan.Len(),
		Dropped:   asm.Dropped(),
		Producer: storage.ProducerInfo{
			Name:    "frigate-reel",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: time.Now().UTC(),
	}
	if j.mode == "timelapse" {
		manifest.Missing = string(plan.Missing)
	}
	if manifest.Dropped == nil {
		manifest.Dropped = []timeline.Drop{}
	}

	res := &Result{
		RunID:     j.runID,
		Outputs:   make(map[string]string, len(finished)),
		Positions: plan.Len(),
		Dropped:   manifest.Dropped,
	}

	for _, wk := range finished {
		key, local := j.keys[wk], j.paths[wk]

		sum, size, err := storage.FileChecksum(local)
		if err != nil {
			return fail(err)
		}
		st, err := e.store.Put(ctx, key, local)
		if err != nil {
			return fail(fmt.Errorf("stage %s: %w", key, err))
		}
		staged = append(staged, st)

		uri := e.store.URI(key)
		manifest.Outputs[wk] = storage.OutputInfo{
			File:     key,
			URI:      uri,
			Checksum: sum,
			ByteSize: size,
			Units:    asm.Written()[wk],
		}
		res.Outputs[wk] = uri

		j.log.Debug("staged output", "output", wk, "key", key, "bytes", size, "checksum", sum)
		if m := metrics.Get(); m != nil {
			m.ObserveOutputBytes(labels, float64(size))
		}
	}

	data, err := manifest.MarshalJSON()
	if err != nil {
		return fail(fmt.Errorf("marshal manifest: %w", err))
	}
	st, err := e.store.PutBytes(ctx, j.manifestKey, data)
	if err != nil {
		return fail(fmt.Errorf("stage manifest: %w", err))
	}
	staged = append(staged, st)

	if err := e.store.Finalize(ctx, staged); err != nil {
		// Finalize rolls back on its own.
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(labels)
		}
		return nil, fmt.Errorf("publish: %w", err)
	}

	res.Manifest = e.store.URI(j.manifestKey)
	e.record(context.WithoutCancel(ctx), j, res.Manifest, manifest)
	return res, nil
}

func (e *Engine) record(ctx context.Context, j *job, uri string, m *storage.Manifest) {
	for _, r := range e.opts.Recorders {
		if err := r.RecordRun(ctx, uri, m); err != nil {
			j.log.Warn("failed to record run", "recorder", fmt.Sprintf("%T", r), "error", err)
		}
	}
}
