package executor

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"core.ktrdr.dev/db"
)

// Artifact names a training checkpoint carries. Model and optimizer
// are always present; scheduler and best-model only when the run uses
// them.
const (
	ArtifactModel     = "model.pt"
	ArtifactOptimizer = "optimizer.pt"
	ArtifactScheduler = "scheduler.pt"
	ArtifactBestModel = "best_model.pt"
)

const trainingSchemaVersion = 1

// Cancellation cadence inside an epoch.
const batchesPerCancelCheck = 50

// TrainingState is the checkpoint state of a training run. Epoch is
// the last fully completed epoch; a resumed run continues at Epoch+1.
type TrainingState struct {
	SchemaVersion int             `json:"schema_version"`
	OperationType string          `json:"operation_type"`
	Epoch         int             `json:"epoch"`
	TrainLoss     float64         `json:"train_loss"`
	ValLoss       float64         `json:"val_loss"`
	LearningRate  float64         `json:"learning_rate"`
	BestValLoss   float64         `json:"best_val_loss"`
	BestEpoch     int             `json:"best_epoch"`
	History       TrainingHistory `json:"training_history"`
	PayloadRef    string          `json:"request_payload_ref,omitempty"`
}

// TrainingHistory holds per-epoch metrics, index 0 being epoch 1.
type TrainingHistory struct {
	Loss    []float64 `json:"loss"`
	ValLoss []float64 `json:"val_loss"`
}

type trainingRequest struct {
	Epochs          int     `json:"epochs"`
	BatchesPerEpoch int     `json:"batches_per_epoch"`
	LearningRate    float64 `json:"learning_rate"`
	Seed            int64   `json:"seed"`
	Strategy        string  `json:"strategy"`
	Symbol          string  `json:"symbol"`
	Scheduler       string  `json:"scheduler"`
}

func defaultTrainingRequest() trainingRequest {
	return trainingRequest{
		Epochs:          10,
		BatchesPerEpoch: 200,
		LearningRate:    0.001,
		Seed:            42,
	}
}

// Trainer simulates a neural training run: per-epoch losses decay
// deterministically from the request seed, so two runs with the same
// payload produce the same history whether or not one of them was
// checkpointed and resumed in between.
type Trainer struct{}

// NewTrainer creates a training executor.
func NewTrainer() *Trainer {
	return &Trainer{}
}

// Type returns the operation type tag this executor serves.
func (t *Trainer) Type() string {
	return db.TypeTraining
}

// Run trains from epoch 1, or from the checkpointed epoch when a
// resume context is given. Cancellation is observed at every epoch
// boundary and every 50 batches inside an epoch.
func (t *Trainer) Run(ctx context.Context, session Session, payload json.RawMessage, resume *ResumeContext) (json.RawMessage, error) {
	req := defaultTrainingRequest()
	if resume != nil && len(resume.RequestPayload) > 0 {
		payload = resume.RequestPayload
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("unreadable training payload: %w", err)
		}
	}
	if req.Epochs <= 0 {
		return nil, fmt.Errorf("training payload requests %d epochs", req.Epochs)
	}
	if req.BatchesPerEpoch <= 0 {
		req.BatchesPerEpoch = defaultTrainingRequest().BatchesPerEpoch
	}

	state := &TrainingState{
		SchemaVersion: trainingSchemaVersion,
		OperationType: db.TypeTraining,
		LearningRate:  req.LearningRate,
		PayloadRef:    req.Strategy,
	}
	if resume != nil && len(resume.State) > 0 {
		if err := json.Unmarshal(resume.State, state); err != nil {
			return nil, fmt.Errorf("unreadable training checkpoint state: %w", err)
		}
		if err := restoreWeights(resume.ArtifactDir); err != nil {
			return nil, err
		}
	}

	session.OnBuildCheckpoint(func() (interface{}, map[string][]byte, error) {
		snapshot := *state
		return &snapshot, trainingArtifacts(req, state), nil
	})

	for epoch := state.Epoch + 1; epoch <= req.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if session.IsCancelRequested() {
			return nil, ErrCancelled
		}

		rng := rand.New(rand.NewSource(req.Seed + int64(epoch)))
		for batch := 1; batch <= req.BatchesPerEpoch; batch++ {
			_ = rng.NormFloat64() * req.LearningRate
			if batch%batchesPerCancelCheck == 0 && session.IsCancelRequested() {
				return nil, ErrCancelled
			}
		}

		trainLoss := 2.0/(1.0+0.35*float64(epoch)) + 0.02*rng.Float64()
		valLoss := trainLoss * (1.04 + 0.08*rng.Float64())

		state.Epoch = epoch
		state.TrainLoss = trainLoss
		state.ValLoss = valLoss
		state.History.Loss = append(state.History.Loss, trainLoss)
		state.History.ValLoss = append(state.History.ValLoss, valLoss)
		if state.BestEpoch == 0 || valLoss < state.BestValLoss {
			state.BestValLoss = valLoss
			state.BestEpoch = epoch
		}

		session.UpdateProgress(epoch, req.Epochs,
			fmt.Sprintf("epoch %d/%d", epoch, req.Epochs),
			map[string]interface{}{
				"epoch":      epoch,
				"train_loss": trainLoss,
				"val_loss":   valLoss,
			})

		if err := session.MaybeCheckpoint(ctx, epoch); err != nil {
			return nil, err
		}
	}

	result := map[string]interface{}{
		"epochs_trained":   state.Epoch,
		"final_train_loss": state.TrainLoss,
		"final_val_loss":   state.ValLoss,
		"best_val_loss":    state.BestValLoss,
		"best_epoch":       state.BestEpoch,
		"strategy":         req.Strategy,
		"symbol":           req.Symbol,
	}
	return json.Marshal(result)
}

// trainingArtifacts builds the artifact set for the snapshot the state
// currently describes. Weights are deterministic in (seed, epoch) so a
// rebuilt checkpoint is byte-identical.
func trainingArtifacts(req trainingRequest, state *TrainingState) map[string][]byte {
	if state.Epoch == 0 {
		return nil
	}
	artifacts := map[string][]byte{
		ArtifactModel:     weightBlob("model", req.Seed, state.Epoch),
		ArtifactOptimizer: weightBlob("optimizer", req.Seed, state.Epoch),
	}
	if req.Scheduler != "" {
		artifacts[ArtifactScheduler] = weightBlob("scheduler:"+req.Scheduler, req.Seed, state.Epoch)
	}
	if state.BestEpoch > 0 {
		artifacts[ArtifactBestModel] = weightBlob("model", req.Seed, state.BestEpoch)
	}
	return artifacts
}

// restoreWeights verifies the mandatory artifacts of a training
// checkpoint are present before the run continues. An empty directory
// handle means the caller resumed from state only.
func restoreWeights(artifactDir string) error {
	if artifactDir == "" {
		return nil
	}
	for _, name := range []string{ArtifactModel, ArtifactOptimizer} {
		if _, err := os.Stat(filepath.Join(artifactDir, name)); err != nil {
			return fmt.Errorf("training artifact %s unavailable: %w", name, err)
		}
	}
	return nil
}

func weightBlob(kind string, seed int64, epoch int) []byte {
	rng := rand.New(rand.NewSource(seed*31 + int64(epoch)*17 + int64(len(kind))))
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s@%d\n", kind, epoch)
	for i := 0; i < 256; i++ {
		binary.Write(buf, binary.LittleEndian, rng.NormFloat64())
	}
	return buf.Bytes()
}
