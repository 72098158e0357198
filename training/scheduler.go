package training

import (
	"context"
	"math"

	"github.com/tsawler/go-tabular/internal/ctxlog"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their arguments.
type LRScheduler interface {
	LR(epoch int, baseLR float64) float64
	Name() string
}

// StepLR multiplies the rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR defaults to a 10x reduction every 30 epochs.
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) Name() string { return "StepLR" }

// ExponentialLR multiplies the rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

// NewExponentialLR defaults to a 5% reduction per epoch.
func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLR{Gamma: gamma}
}

func (s *ExponentialLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) Name() string { return "ExponentialLR" }

// CosineAnnealingLR anneals from the base rate to EtaMin over TMax epochs
// and stays at EtaMin afterwards.
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLR) LR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string { return "CosineAnnealingLR" }

// ConstantLR keeps the base rate.
type ConstantLR struct{}

func (ConstantLR) LR(_ int, baseLR float64) float64 { return baseLR }

func (ConstantLR) Name() string { return "ConstantLR" }

// LearningRateScheduler sets the optimizer rate from Schedule before every
// epoch. The base rate is the optimizer's rate when training begins.
type LearningRateScheduler struct {
	Schedule LRScheduler

	baseLR float64
}

func NewLearningRateScheduler(schedule LRScheduler) *LearningRateScheduler {
	if schedule == nil {
		schedule = ConstantLR{}
	}
	return &LearningRateScheduler{Schedule: schedule}
}

func (s *LearningRateScheduler) OnTrainBegin(_ context.Context, m *Model) error {
	s.baseLR = m.Optimizer.GetLR()
	m.Optimizer.SetLR(s.Schedule.LR(0, s.baseLR))
	return nil
}

func (s *LearningRateScheduler) OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error {
	if s.baseLR == 0 {
		s.OnTrainBegin(ctx, m)
	}
	next := s.Schedule.LR(metrics.Epoch+1, s.baseLR)
	if next != m.Optimizer.GetLR() {
		ctxlog.FromContext(ctx).Debug("learning rate scheduled",
			"schedule", s.Schedule.Name(), "epoch", metrics.Epoch+2, "lr", next)
	}
	m.Optimizer.SetLR(next)
	return nil
}

// ReduceLROnPlateau multiplies the learning rate by Factor once the
// monitored metric has not improved for Patience epochs, never going below
// MinLR.
type ReduceLROnPlateau struct {
	Monitor  string
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64

	tracker monitorTracker
	wait    int
	reduced int
}

// NewReduceLROnPlateau monitors val_loss with a minimum delta of 1e-4.
func NewReduceLROnPlateau(factor float64, patience int, minLR float64) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	return &ReduceLROnPlateau{
		Monitor:  "val_loss",
		Factor:   factor,
		Patience: patience,
		MinDelta: 1e-4,
		MinLR:    minLR,
	}
}

func (r *ReduceLROnPlateau) OnTrainBegin(_ context.Context, _ *Model) error {
	r.tracker = newMonitorTracker(r.Monitor)
	r.wait = 0
	r.reduced = 0
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(ctx context.Context, m *Model, metrics TrainingMetrics) error {
	current, ok := metrics.Value(r.Monitor)
	if !ok {
		ctxlog.FromContext(ctx).Warn("plateau metric unavailable", "monitor", r.Monitor, "epoch", metrics.Epoch+1)
		return nil
	}
	if r.tracker.monitor == "" {
		r.OnTrainBegin(ctx, m)
	}

	if r.tracker.improved(current, r.MinDelta) {
		r.tracker.best = current
		r.wait = 0
		return nil
	}
	r.wait++
	if r.wait < r.Patience {
		return nil
	}
	r.wait = 0

	lr := m.Optimizer.GetLR()
	if lr <= r.MinLR {
		return nil
	}
	next := math.Max(lr*r.Factor, r.MinLR)
	m.Optimizer.SetLR(next)
	r.reduced++
	ctxlog.FromContext(ctx).Info("reducing learning rate", "epoch", metrics.Epoch+1, "from", lr, "to", next)
	return nil
}

// Reductions returns how often the rate was lowered in the last fit.
func (r *ReduceLROnPlateau) Reductions() int { return r.reduced }
