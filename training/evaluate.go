package training

import (
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Evaluator scores the model on held-out question pairs: it predicts the
// cosine similarity of every pair and reports the ROC-AUC of using that
// similarity as a duplicate score.
type Evaluator struct {
	exec *context.Exec
}

func NewEvaluator(backend backends.Backend, ctx *context.Context, model *PairModel) *Evaluator {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return model.Forward(ctx, nil, inputs)[0]
	})
	return &Evaluator{exec: exec}
}

// ROCAUC runs one full pass over ds and returns the area under the ROC curve
// of the predicted similarities against the duplicate labels.
func (e *Evaluator) ROCAUC(ds train.Dataset) (float64, error) {
	var scores, labels []float64
	ds.Reset()
	for {
		_, inputs, labelTensors, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "reading evaluation batch")
		}
		similarities := e.exec.Call(inputs[0], inputs[1], inputs[2], inputs[3])[0]
		tensors.ConstFlatData(similarities, func(flat []float32) {
			for _, s := range flat {
				scores = append(scores, float64(s))
			}
		})
		tensors.ConstFlatData(labelTensors[0], func(flat []float32) {
			for _, l := range flat {
				labels = append(labels, float64(l))
			}
		})
	}
	if len(scores) == 0 {
		return 0, errors.New("evaluation dataset is empty")
	}
	return ROCAUC(scores, labels)
}

// ROCAUC computes the area under the ROC curve for scores against binary
// labels (1 = duplicate).
func ROCAUC(scores, labels []float64) (float64, error) {
	if len(scores) != len(labels) {
		return 0, errors.Errorf("got %d scores for %d labels", len(scores), len(labels))
	}
	y := make([]float64, len(scores))
	classes := make([]bool, len(labels))
	copy(y, scores)
	for ii, label := range labels {
		classes[ii] = label > 0.5
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tprs, fprs, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fprs, tprs), nil
}
