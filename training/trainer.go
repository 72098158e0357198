package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	DefaultEpochs          = 50
	DefaultBatchSize       = 32
	DefaultValidationSplit = 0.2
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs    int
	BatchSize int

	// ValidationSplit holds out the last fraction of rows for validation.
	// Zero disables validation.
	ValidationSplit float64

	Shuffle bool       // Reshuffle training rows every epoch
	Rand    *rand.Rand // Source for shuffling; seed 42 when nil

	Verbose   int       // 0 = silent, 1 = one line per epoch
	Output    io.Writer // Destination of per-epoch lines; io.Discard when nil
	Callbacks []Callback
}

// DefaultTrainingConfig returns 50 epochs, batch size 32, 20% validation
// and per-epoch shuffling.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:          DefaultEpochs,
		BatchSize:       DefaultBatchSize,
		ValidationSplit: DefaultValidationSplit,
		Shuffle:         true,
		Verbose:         1,
	}
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	HasValidation bool
	EpochDuration time.Duration
	BatchCount    int
	// LearningRate is the optimizer rate the epoch was trained with.
	LearningRate float64
}

// Logs returns the epoch metrics under their history keys.
func (tm TrainingMetrics) Logs() map[string]float64 {
	logs := map[string]float64{
		"loss":     tm.TrainLoss,
		"accuracy": tm.TrainAccuracy,
	}
	if tm.HasValidation {
		logs["val_loss"] = tm.ValidLoss
		logs["val_accuracy"] = tm.ValidAccuracy
	}
	return logs
}

// Value looks up a single metric by history key.
func (tm TrainingMetrics) Value(key string) (float64, bool) {
	v, ok := tm.Logs()[key]
	return v, ok
}

// StopReason tells why a fit ended.
type StopReason int

const (
	EpochsExhausted StopReason = iota
	EarlyStopped
)

func (sr StopReason) String() string {
	switch sr {
	case EpochsExhausted:
		return "epochs_exhausted"
	case EarlyStopped:
		return "early_stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(sr))
	}
}

// History records per-epoch metrics of a fit, keyed "loss", "accuracy",
// "val_loss" and "val_accuracy".
type History struct {
	Epochs     []int
	Values     map[string][]float64
	StopReason StopReason
}

func newHistory() *History {
	return &History{Values: make(map[string][]float64)}
}

func (h *History) append(m TrainingMetrics) {
	h.Epochs = append(h.Epochs, m.Epoch)
	for k, v := range m.Logs() {
		h.Values[k] = append(h.Values[k], v)
	}
}

// Len is the number of completed epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Get returns the series for key.
func (h *History) Get(key string) []float64 { return h.Values[key] }

// Loss returns the training loss series.
func (h *History) Loss() []float64 { return h.Values["loss"] }

// Trainer manages the training process
type Trainer struct {
	model   *Model
	config  TrainingConfig
	rng     *rand.Rand
	out     io.Writer
	metrics []TrainingMetrics
}

// NewTrainer creates a new Trainer. Non-positive Epochs and BatchSize fall
// back to the defaults.
func NewTrainer(model *Model, config TrainingConfig) *Trainer {
	if config.Epochs <= 0 {
		config.Epochs = DefaultEpochs
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(42))
	}
	out := config.Output
	if out == nil || config.Verbose == 0 {
		out = io.Discard
	}
	return &Trainer{model: model, config: config, rng: rng, out: out}
}

// Train runs the complete training loop. The context is checked between
// epochs. On error the model keeps whatever updates were already applied.
func (t *Trainer) Train(ctx context.Context, X mat.Matrix, y []int) (*History, error) {
	m := t.model
	if err := m.checkInput(X); err != nil {
		return nil, err
	}
	n, _ := X.Dims()
	if len(y) != n {
		return nil, fmt.Errorf("%w: %d rows but %d labels", ErrInvalidData, n, len(y))
	}
	for i, label := range y {
		if label < 0 || label >= m.NumClasses() {
			return nil, fmt.Errorf("%w: label %d at row %d outside [0, %d)", ErrLabelRange, label, i, m.NumClasses())
		}
	}

	trainX, trainY, validX, validY, err := t.splitValidation(X, y)
	if err != nil {
		return nil, err
	}

	history := newHistory()
	m.History = history
	m.StopTraining = false
	t.metrics = t.metrics[:0]

	for _, cb := range t.config.Callbacks {
		if b, ok := cb.(TrainBeginCallback); ok {
			if err := b.OnTrainBegin(ctx, m); err != nil {
				return history, err
			}
		}
	}

	indices := make([]int, trainX.RawMatrix().Rows)
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, fmt.Errorf("training interrupted before epoch %d: %w", epoch+1, err)
		}
		epochStart := time.Now()

		if t.config.Shuffle {
			t.rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		}

		lr := m.Optimizer.GetLR()
		trainLoss, trainAcc, batchCount, err := t.trainEpoch(trainX, trainY, indices)
		if err != nil {
			return history, fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			BatchCount:    batchCount,
			LearningRate:  lr,
		}

		if validX != nil {
			validLoss, validAcc, err := m.Evaluate(validX, validY)
			if err != nil {
				return history, fmt.Errorf("validation epoch %d failed: %w", epoch+1, err)
			}
			metrics.ValidLoss = validLoss
			metrics.ValidAccuracy = validAcc
			metrics.HasValidation = true
		}
		metrics.EpochDuration = time.Since(epochStart)

		t.metrics = append(t.metrics, metrics)
		history.append(metrics)
		t.printEpochSummary(metrics)

		for _, cb := range t.config.Callbacks {
			if err := cb.OnEpochEnd(ctx, m, metrics); err != nil {
				return history, fmt.Errorf("callback failed at epoch %d: %w", epoch+1, err)
			}
		}
		if m.StopTraining {
			history.StopReason = EarlyStopped
			break
		}
	}

	for _, cb := range t.config.Callbacks {
		if e, ok := cb.(TrainEndCallback); ok {
			if err := e.OnTrainEnd(ctx, m); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

// splitValidation holds out the trailing rows, splitting at
// floor(n * (1 - ValidationSplit)).
func (t *Trainer) splitValidation(X mat.Matrix, y []int) (*mat.Dense, []int, *mat.Dense, []int, error) {
	split := t.config.ValidationSplit
	all := mat.DenseCopyOf(X)
	if split == 0 {
		return all, y, nil, nil, nil
	}
	if split < 0 || split >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("%w: validation split %v not in [0, 1)", ErrInvalidData, split)
	}
	n, c := all.Dims()
	at := int(math.Floor(float64(n) * (1 - split)))
	if at == 0 || at == n {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d rows cannot be split with validation_split=%v", ErrInvalidData, n, split)
	}
	trainX := mat.DenseCopyOf(all.Slice(0, at, 0, c))
	validX := mat.DenseCopyOf(all.Slice(at, n, 0, c))
	return trainX, y[:at], validX, y[at:], nil
}

// trainEpoch runs one training epoch and returns the sample-weighted mean
// loss and accuracy of the batches as they were seen.
func (t *Trainer) trainEpoch(X *mat.Dense, y []int, indices []int) (float64, float64, int, error) {
	m := t.model
	m.Network.Train()

	var totalLoss float64
	var totalCorrect float64
	var batchCount int
	_, cols := X.Dims()

	for start := 0; start < len(indices); start += t.config.BatchSize {
		end := min(start+t.config.BatchSize, len(indices))
		batchIdx := indices[start:end]

		input := mat.NewDense(len(batchIdx), cols, nil)
		labels := make([]int, len(batchIdx))
		for i, idx := range batchIdx {
			input.SetRow(i, X.RawRowView(idx))
			labels[i] = y[idx]
		}

		m.Optimizer.ZeroGrad()

		output, err := m.Network.Forward(input)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := m.Loss.Forward(output, labels)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %w", err)
		}
		grad, err := m.Loss.Backward(output, labels)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss gradient failed: %w", err)
		}
		if _, err := m.Network.Backward(grad); err != nil {
			return 0, 0, 0, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := m.Optimizer.Step(); err != nil {
			return 0, 0, 0, fmt.Errorf("optimizer step failed: %w", err)
		}

		bs := float64(len(batchIdx))
		totalLoss += loss * bs
		totalCorrect += CategoricalAccuracy(output, labels) * bs
		batchCount++
	}

	n := float64(len(indices))
	return totalLoss / n, totalCorrect / n, batchCount, nil
}

// printEpochSummary prints a summary of the epoch results
func (t *Trainer) printEpochSummary(metrics TrainingMetrics) {
	fmt.Fprintf(t.out, "Epoch %d/%d - %d batches - %v - loss: %.4f - accuracy: %.4f",
		metrics.Epoch+1, t.config.Epochs, metrics.BatchCount, metrics.EpochDuration.Round(time.Millisecond),
		metrics.TrainLoss, metrics.TrainAccuracy)
	if metrics.HasValidation {
		fmt.Fprintf(t.out, " - val_loss: %.4f - val_accuracy: %.4f", metrics.ValidLoss, metrics.ValidAccuracy)
	}
	fmt.Fprintln(t.out)
}

// GetMetrics returns all training metrics
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}
