// Package hub downloads pretrained E5 models from HuggingFace and publishes
// fine-tuned adapters back to it.
package hub

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/grofte/LoRA-E5/sentencepiece"
)

// Tokenizer model file names tried in order: XLM-RoBERTa based models ship
// the first, older sentencepiece models the second.
var tokenizerFileNames = []string{"sentencepiece.bpe.model", "tokenizer.model"}

// Download fetches (if not yet cached under cacheDir) the model identified by
// hfID, e.g. "intfloat/multilingual-e5-base", loads its weights into ctx and
// returns its sentencepiece tokenizer and the path of the tokenizer model
// file.
//
// hfAuthToken may be empty for public models.
func Download(ctx *context.Context, hfID, hfAuthToken, cacheDir string) (vocab *sentencepiece.Processor, vocabPath string, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return nil, "", errors.Wrapf(err, "accessing HuggingFace model %q", hfID)
	}
	if err = hfm.Download(); err != nil {
		return nil, "", errors.Wrapf(err, "downloading HuggingFace model %q", hfID)
	}

	for _, fileName := range tokenizerFileNames {
		candidate := path.Join(hfm.BaseDir, fileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			vocabPath = candidate
			break
		}
	}
	if vocabPath == "" {
		return nil, "", errors.Errorf("model %q has no sentencepiece tokenizer file", hfID)
	}
	vocab, err = sentencepiece.NewFromPath(vocabPath)
	if err != nil {
		return nil, "", err
	}

	for entry, err2 := range hfm.EnumerateTensors() {
		if err2 != nil {
			return nil, "", errors.Wrapf(err2, "reading tensors of %q", hfID)
		}
		scopeAndName := TensorNameToScopeAndName(entry.Name)
		if len(scopeAndName) == 0 {
			klog.V(1).Infof("Skipping tensor %s -> %s", entry.Name, entry.Tensor.Shape())
			continue
		}
		ctxTmp := ctx.In("model")
		name, scope := xslices.Pop(scopeAndName)
		for _, p := range scope {
			ctxTmp = ctxTmp.In(p)
		}
		ctxTmp.VariableWithValue(name, entry.Tensor)
	}
	return vocab, vocabPath, nil
}

// TensorNameToScopeAndName maps a HuggingFace tensor name of a BERT/RoBERTa
// style encoder to the context scope path plus variable name the model graph
// uses. Returns nil for tensors that are not part of the sentence encoder
// (like the pooler head).
func TensorNameToScopeAndName(name string) []string {
	// Some exports nest everything under the transformer submodule name.
	name = strings.TrimPrefix(name, "roberta.")
	name = strings.TrimPrefix(name, "bert.")

	if rest, ok := strings.CutPrefix(name, "embeddings."); ok {
		switch rest {
		case "word_embeddings.weight":
			return []string{"embeddings", "word_embeddings"}
		case "position_embeddings.weight":
			return []string{"embeddings", "position_embeddings"}
		case "token_type_embeddings.weight":
			return []string{"embeddings", "token_type_embeddings"}
		case "LayerNorm.weight":
			return []string{"embeddings", "norm", "scale"}
		case "LayerNorm.bias":
			return []string{"embeddings", "norm", "offset"}
		}
		return nil
	}

	rest, ok := strings.CutPrefix(name, "encoder.layer.")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 3 {
		return nil
	}
	layerNumber, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}
	layerScope := fmt.Sprintf("layer_%d", layerNumber)
	varName := map[string]string{"weight": "w", "bias": "b"}[xslices.Last(parts)]
	normName := map[string]string{"weight": "scale", "bias": "offset"}[xslices.Last(parts)]
	if varName == "" {
		return nil
	}

	switch parts[1] {
	case "attention":
		switch parts[2] {
		case "self":
			// attention.self.{query,key,value}.{weight,bias}
			if len(parts) != 5 {
				return nil
			}
			return []string{layerScope, "attn", parts[3], varName}
		case "output":
			if len(parts) == 5 && parts[3] == "dense" {
				return []string{layerScope, "attn", "output", "dense", varName}
			}
			if len(parts) == 5 && parts[3] == "LayerNorm" {
				return []string{layerScope, "attn", "output", "norm", normName}
			}
		}
	case "intermediate":
		if len(parts) == 4 && parts[2] == "dense" {
			return []string{layerScope, "ffn", "intermediate", varName}
		}
	case "output":
		if len(parts) == 4 && parts[2] == "dense" {
			return []string{layerScope, "ffn", "output", varName}
		}
		if len(parts) == 4 && parts[2] == "LayerNorm" {
			return []string{layerScope, "ffn", "norm", normName}
		}
	}
	return nil
}
