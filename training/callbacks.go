package training

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-tabular/checkpoints"
	"github.com/tsawler/go-tabular/internal/ctxlog"
)

// Callback is invoked by the Trainer after every epoch. Setting
// model.StopTraining ends the fit after the current epoch.
type Callback interface {
	OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error
}

// TrainBeginCallback is implemented by callbacks that reset state per fit.
type TrainBeginCallback interface {
	OnTrainBegin(ctx context.Context, m *Model) error
}

// TrainEndCallback is implemented by callbacks that act once fitting ends.
type TrainEndCallback interface {
	OnTrainEnd(ctx context.Context, m *Model) error
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(ctx context.Context, m *Model, metrics TrainingMetrics) error

func (f CallbackFunc) OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error {
	return f(ctx, m, metrics)
}

// higherIsBetter reports whether larger values of the monitored metric are
// better. Accuracy metrics are maximized, everything else minimized.
func higherIsBetter(monitor string) bool {
	return strings.Contains(monitor, "acc")
}

type monitorTracker struct {
	monitor string
	higher  bool
	best    float64
}

func newMonitorTracker(monitor string) monitorTracker {
	mt := monitorTracker{monitor: monitor, higher: higherIsBetter(monitor)}
	mt.reset()
	return mt
}

func (mt *monitorTracker) reset() {
	if mt.higher {
		mt.best = math.Inf(-1)
	} else {
		mt.best = math.Inf(1)
	}
}

func (mt *monitorTracker) improved(current, minDelta float64) bool {
	if mt.higher {
		return current-minDelta > mt.best
	}
	return current+minDelta < mt.best
}

// EarlyStopping stops training once the monitored metric has not improved
// for Patience consecutive epochs.
type EarlyStopping struct {
	Monitor            string
	Patience           int
	MinDelta           float64
	RestoreBestWeights bool

	tracker      monitorTracker
	wait         int
	bestWeights  [][]float64
	bestEpoch    int
	stoppedEpoch int
}

// NewEarlyStopping monitors val_loss.
func NewEarlyStopping(patience int, restoreBestWeights bool) *EarlyStopping {
	return &EarlyStopping{
		Monitor:            "val_loss",
		Patience:           patience,
		RestoreBestWeights: restoreBestWeights,
	}
}

func (es *EarlyStopping) OnTrainBegin(_ context.Context, _ *Model) error {
	es.tracker = newMonitorTracker(es.Monitor)
	es.wait = 0
	es.bestWeights = nil
	es.bestEpoch = -1
	es.stoppedEpoch = -1
	return nil
}

func (es *EarlyStopping) OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error {
	current, ok := metrics.Value(es.Monitor)
	if !ok {
		ctxlog.FromContext(ctx).Warn("early stopping metric unavailable", "monitor", es.Monitor, "epoch", metrics.Epoch+1)
		return nil
	}
	if es.tracker.monitor == "" {
		es.OnTrainBegin(ctx, m)
	}

	es.wait++
	if es.tracker.improved(current, es.MinDelta) {
		es.tracker.best = current
		es.bestEpoch = metrics.Epoch
		es.wait = 0
		if es.RestoreBestWeights {
			es.bestWeights = m.snapshot()
		}
		return nil
	}

	if es.wait >= es.Patience && metrics.Epoch > 0 {
		es.stoppedEpoch = metrics.Epoch
		m.StopTraining = true
		log := ctxlog.FromContext(ctx)
		log.Info("early stopping", "epoch", metrics.Epoch+1, "monitor", es.Monitor, "best", es.tracker.best, "best_epoch", es.bestEpoch+1)
		if es.RestoreBestWeights && es.bestWeights != nil {
			m.restore(es.bestWeights)
			log.Info("restored model weights from the end of the best epoch", "epoch", es.bestEpoch+1)
		}
	}
	return nil
}

// StoppedEpoch returns the zero-based epoch at which training was stopped,
// or -1.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }

// BestEpoch returns the zero-based epoch with the best monitored value.
func (es *EarlyStopping) BestEpoch() int { return es.bestEpoch }

// ModelCheckpoint writes the model to Path after an epoch, or with
// SaveBestOnly only when the monitored metric improved. The format follows
// the file extension.
type ModelCheckpoint struct {
	Path         string
	Monitor      string
	SaveBestOnly bool

	tracker monitorTracker
	saved   int
}

// NewModelCheckpoint saves the best model by val_loss to path.
func NewModelCheckpoint(path string) *ModelCheckpoint {
	return &ModelCheckpoint{Path: path, Monitor: "val_loss", SaveBestOnly: true}
}

func (mc *ModelCheckpoint) OnTrainBegin(_ context.Context, _ *Model) error {
	mc.tracker = newMonitorTracker(mc.Monitor)
	mc.saved = 0
	return nil
}

func (mc *ModelCheckpoint) OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error {
	log := ctxlog.FromContext(ctx)
	if mc.tracker.monitor == "" {
		mc.OnTrainBegin(ctx, m)
	}

	current, ok := metrics.Value(mc.Monitor)
	if mc.SaveBestOnly {
		if !ok {
			log.Warn("checkpoint metric unavailable, skipping", "monitor", mc.Monitor, "epoch", metrics.Epoch+1)
			return nil
		}
		if !mc.tracker.improved(current, 0) {
			return nil
		}
		log.Info("monitored metric improved, saving model",
			"epoch", metrics.Epoch+1, "monitor", mc.Monitor, "from", mc.tracker.best, "to", current, "path", mc.Path)
		mc.tracker.best = current
	}

	state := checkpoints.TrainingState{
		Epoch:        metrics.Epoch + 1,
		BestLoss:     float32(metrics.TrainLoss),
		BestAccuracy: float32(metrics.TrainAccuracy),
		Monitor:      mc.Monitor,
	}
	if metrics.HasValidation {
		state.BestLoss = float32(metrics.ValidLoss)
		state.BestAccuracy = float32(metrics.ValidAccuracy)
	}
	if err := checkpoints.Save(m.Checkpoint(state), mc.Path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	mc.saved++
	return nil
}

// Saved returns how many times the checkpoint was written in the last fit.
func (mc *ModelCheckpoint) Saved() int { return mc.saved }
