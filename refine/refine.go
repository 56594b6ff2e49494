// Package refine drives the iterative re-estimation loops: a fixed number of
// Baum-Welch style iterations over a model root, and the mixture-growth
// schedule that alternates splitting with re-estimation. Iteration counts are
// fixed by configuration — there is no convergence check, which trades
// adaptive stopping for reproducible runs.
package refine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/dispatch"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
	"github.com/spokenlab/amtrain/explog"
)

// Loop runs refinement iterations against one engine and artifact store.
type Loop struct {
	Store      *artifact.Store
	Engine     engine.Engine
	Dispatcher dispatch.Dispatcher
	Log        *explog.Log
}

// Iterate runs exactly iters re-estimation steps starting from start. Step i
// consumes snapshot i-1: statistics are accumulated over data partitions via
// the dispatcher, merged, and combined into the next snapshot directory along
// with its measured likelihood.
func (l Loop) Iterate(ctx context.Context, start artifact.Snapshot, data []string, labelFile, labelList string, iters int, extraArgs []string) (artifact.Snapshot, error) {
	cur := start
	for i := 0; i < iters; i++ {
		next, err := l.step(ctx, cur, data, labelFile, labelList, extraArgs)
		if err != nil {
			return artifact.Snapshot{}, err
		}
		cur = next
	}
	return cur, nil
}

func (l Loop) step(ctx context.Context, cur artifact.Snapshot, data []string, labelFile, labelList string, extraArgs []string) (artifact.Snapshot, error) {
	next := cur.Key.Next()
	outDir, err := l.Store.CreateDir(next)
	if err != nil {
		return artifact.Snapshot{}, err
	}

	results, err := l.Dispatcher.Run(ctx, data, func(ctx context.Context, p dispatch.Partition) (dispatch.PartResult, error) {
		res, err := l.Engine.Estimate(ctx, engine.EstimateRequest{
			ModelDir:  cur.Dir(),
			DataFiles: p.Items,
			LabelFile: labelFile,
			LabelList: labelList,
			AccumOut:  filepath.Join(outDir, fmt.Sprintf("part-%d.acc", p.Index)),
			ExtraArgs: extraArgs,
		})
		if err != nil {
			return dispatch.PartResult{}, err
		}
		return dispatch.PartResult{Stats: dispatch.Stats{
			Frames:       res.Frames,
			TotalLogProb: res.TotalLogProb,
			AccumFiles:   []string{res.AccumFile},
		}}, nil
	})
	if err != nil {
		return artifact.Snapshot{}, errors.Wrapf(err, "estimation in %s", outDir)
	}

	merged := dispatch.MergeStats(results)
	comb, err := l.Engine.Combine(ctx, engine.CombineRequest{
		ModelDir:   cur.Dir(),
		AccumFiles: merged.AccumFiles,
		LabelList:  labelList,
		OutDir:     outDir,
	})
	if err != nil {
		return artifact.Snapshot{}, errors.Wrapf(err, "combining accumulators in %s", outDir)
	}

	if l.Log != nil {
		l.Log.Printf("ran an iteration of BW in [%s] lik/fr [%1.4f]", outDir, comb.LikPerFrame)
	}
	return artifact.Snapshot{Key: next, LikPerFrame: comb.LikPerFrame}, nil
}

// GrowParams configures a mixture-growth pass.
type GrowParams struct {
	// Root is the stage root the grown snapshots are written under.
	Root string
	// Schedule is the ordered list of target mixture sizes. A single-entry
	// schedule is legal (pure re-estimation at that size).
	Schedule []int
	// ItersPerStep is the number of refinement iterations after each split.
	ItersPerStep int
	// VarFloorAtSize, when non-zero, re-estimates the variance floor at the
	// split whose target equals this size.
	VarFloorAtSize   int
	VarFloorFraction float64
}

// GrowMixtures visits each schedule entry in order: split the current
// snapshot up to the target size, then refine for ItersPerStep iterations.
// The final entry's last snapshot is returned. A schedule entry equal to the
// current size under the same root is pure re-estimation, no split event.
func (l Loop) GrowMixtures(ctx context.Context, start artifact.Snapshot, data []string, labelFile, labelList string, p GrowParams) (artifact.Snapshot, error) {
	cur := start
	for _, size := range p.Schedule {
		if size != cur.Key.Size || cur.Key.Root != p.Root {
			split := artifact.Key{Root: p.Root}.WithSize(size)
			outDir, err := l.Store.CreateDir(split)
			if err != nil {
				return artifact.Snapshot{}, err
			}
			err = l.Engine.Split(ctx, engine.SplitRequest{
				ModelDir:         cur.Dir(),
				OutDir:           outDir,
				LabelList:        labelList,
				TargetSize:       size,
				EstimateVarFloor: p.VarFloorAtSize != 0 && size == p.VarFloorAtSize,
				VarFloorFraction: p.VarFloorFraction,
			})
			if err != nil {
				return artifact.Snapshot{}, errors.Wrapf(err, "mixing up to %d", size)
			}
			if l.Log != nil {
				l.Log.Printf("mixed up to [%d] in [%s]", size, outDir)
			}
			cur = artifact.Snapshot{Key: split}
		}

		next, err := l.Iterate(ctx, cur, data, labelFile, labelList, p.ItersPerStep, nil)
		if err != nil {
			return artifact.Snapshot{}, err
		}
		cur = next
	}
	return cur, nil
}
