package training

import (
	"context"
	"math"
	"testing"
)

func TestStepLR(t *testing.T) {
	scheduler := NewStepLR(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.LR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLR(t *testing.T) {
	scheduler := NewExponentialLR(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.LR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLR(t *testing.T) {
	scheduler := NewCosineAnnealingLR(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.01},
		{2, 0.006580},
		{5, 0.0001},
		{10, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.LR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-6 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestSchedulerDefaults(t *testing.T) {
	if s := NewStepLR(0, 2); s.StepSize != 30 || s.Gamma != 0.1 {
		t.Errorf("StepLR defaults: got %+v", s)
	}
	if s := NewExponentialLR(-1); s.Gamma != 0.95 {
		t.Errorf("ExponentialLR default gamma: got %v", s.Gamma)
	}
	if s := NewCosineAnnealingLR(0, -1); s.TMax != 100 || s.EtaMin != 0 {
		t.Errorf("CosineAnnealingLR defaults: got %+v", s)
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLR(10, 0.1), "StepLR"},
		{NewExponentialLR(0.95), "ExponentialLR"},
		{NewCosineAnnealingLR(100, 0.0), "CosineAnnealingLR"},
		{ConstantLR{}, "ConstantLR"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.Name(); name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestLearningRateSchedulerCallback(t *testing.T) {
	ctx := context.Background()
	m := testModel(t, 2, 4, 3, 1)
	m.Optimizer.SetLR(0.1)

	cb := NewLearningRateScheduler(NewStepLR(1, 0.5))
	if err := cb.OnTrainBegin(ctx, m); err != nil {
		t.Fatal(err)
	}
	if lr := m.Optimizer.GetLR(); lr != 0.1 {
		t.Fatalf("epoch 1 LR: expected 0.1, got %v", lr)
	}

	expected := []float64{0.05, 0.025, 0.0125}
	for epoch, want := range expected {
		if err := cb.OnEpochEnd(ctx, m, TrainingMetrics{Epoch: epoch}); err != nil {
			t.Fatal(err)
		}
		if lr := m.Optimizer.GetLR(); math.Abs(lr-want) > 1e-12 {
			t.Errorf("after epoch %d: expected LR %v, got %v", epoch+1, want, lr)
		}
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	ctx := context.Background()
	m := testModel(t, 2, 4, 3, 1)
	m.Optimizer.SetLR(0.1)

	cb := NewReduceLROnPlateau(0.5, 2, 0.03)
	cb.MinDelta = 0.01
	if err := cb.OnTrainBegin(ctx, m); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		valLoss float64
		wantLR  float64
	}{
		{1.0, 0.1},
		{0.98, 0.1},  // improved by more than MinDelta
		{0.99, 0.1},  // wait 1
		{0.99, 0.05}, // wait 2, reduce
		{0.99, 0.05},
		{0.99, 0.03}, // clamped to MinLR
		{0.99, 0.03},
		{0.99, 0.03}, // already at MinLR
	}
	for i, s := range steps {
		metrics := TrainingMetrics{Epoch: i, ValidLoss: s.valLoss, HasValidation: true}
		if err := cb.OnEpochEnd(ctx, m, metrics); err != nil {
			t.Fatal(err)
		}
		if lr := m.Optimizer.GetLR(); math.Abs(lr-s.wantLR) > 1e-12 {
			t.Errorf("epoch %d: expected LR %v, got %v", i+1, s.wantLR, lr)
		}
	}
	if cb.Reductions() != 2 {
		t.Errorf("expected 2 reductions, got %d", cb.Reductions())
	}
}

func TestReduceLROnPlateauWithoutValidation(t *testing.T) {
	m := testModel(t, 2, 4, 3, 1)
	cb := NewReduceLROnPlateau(0.5, 1, 0)
	before := m.Optimizer.GetLR()
	for i := 0; i < 3; i++ {
		if err := cb.OnEpochEnd(context.Background(), m, TrainingMetrics{Epoch: i, TrainLoss: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if m.Optimizer.GetLR() != before {
		t.Errorf("LR changed without a monitored metric: %v -> %v", before, m.Optimizer.GetLR())
	}
}

func TestTrainerRecordsEpochLearningRate(t *testing.T) {
	m := testModel(t, 2, 4, 3, 1)
	X, y := blobs(12, 3)

	cfg := DefaultTrainingConfig()
	cfg.Epochs = 3
	cfg.Verbose = 0
	cfg.Callbacks = []Callback{NewLearningRateScheduler(NewStepLR(1, 0.5))}
	trainer := NewTrainer(m, cfg)
	if _, err := trainer.Train(context.Background(), X, y); err != nil {
		t.Fatal(err)
	}

	metrics := trainer.GetMetrics()
	expected := []float64{0.001, 0.0005, 0.00025}
	if len(metrics) != len(expected) {
		t.Fatalf("expected %d epochs, got %d", len(expected), len(metrics))
	}
	for i, want := range expected {
		if got := metrics[i].LearningRate; math.Abs(got-want) > 1e-12 {
			t.Errorf("epoch %d: expected LR %v, got %v", i+1, want, got)
		}
	}
}
