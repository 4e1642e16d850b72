package lora

import (
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/exp/slices"
)

const (
	// AdapterFileName holds the adapter-only weights inside a checkpoint
	// directory, decoupled from the frozen base weights.
	AdapterFileName = "adapter_weights.msgpack"
)

// savedVariable is one adapter tensor on disk. Only float32 adapters are
// supported, which is all the injection code creates.
type savedVariable struct {
	Scope string    `msgpack:"scope"`
	Name  string    `msgpack:"name"`
	Dims  []int     `msgpack:"dims"`
	Data  []float32 `msgpack:"data"`
}

// Save writes the adapter variables of ctx to dir/AdapterFileName, along
// with the optimizer slot state of those adapters, so a resumed run picks up
// the optimizer where it left off. The frozen base weights are not written.
//
// The list of pending variables is built here, owned by this call and
// consumed exactly once -- entries are never revisited, so no variable can be
// written twice.
func Save(ctx *context.Context, dir string) error {
	dir = data.ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create adapter checkpoint directory %q", dir)
	}

	var pending []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if IsAdapterVariable(v.Scope()) || IsAdapterOptimizerState(v.Scope()) {
			pending = append(pending, v)
		}
	})
	slices.SortFunc(pending, func(a, b *context.Variable) int {
		if c := strings.Compare(a.Scope(), b.Scope()); c != 0 {
			return c
		}
		return strings.Compare(a.Name(), b.Name())
	})

	saved := make([]savedVariable, 0, len(pending))
	for len(pending) > 0 {
		v := pending[0]
		pending = pending[1:]
		entry := savedVariable{
			Scope: v.Scope(),
			Name:  v.Name(),
			Dims:  v.Shape().Dimensions,
		}
		tensors.ConstFlatData(v.Value(), func(flat []float32) {
			entry.Data = slices.Clone(flat)
		})
		saved = append(saved, entry)
	}

	filePath := path.Join(dir, AdapterFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create adapter weights file %q", filePath)
	}
	enc := msgpack.NewEncoder(f)
	if err = enc.Encode(saved); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode adapter weights to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close adapter weights file %q", filePath)
}

// Load reads adapter weights from dir/AdapterFileName into ctx, creating the
// adapter variables if they don't exist yet, as trainable. Restored optimizer
// state stays non-trainable; the optimizer finds and reuses it by scope.
func Load(ctx *context.Context, dir string) error {
	dir = data.ReplaceTildeInDir(dir)
	filePath := path.Join(dir, AdapterFileName)
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read adapter weights from %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var saved []savedVariable
	dec := msgpack.NewDecoder(f)
	if err = dec.Decode(&saved); err != nil {
		return errors.Wrapf(err, "failed to decode adapter weights from %q", filePath)
	}

	for _, entry := range saved {
		value := tensors.FromFlatDataAndDimensions(entry.Data, entry.Dims...)
		v := ctx.InspectVariable(entry.Scope, entry.Name)
		if v == nil {
			vCtx := ctx.Checked(false)
			for _, part := range scopeParts(entry.Scope) {
				vCtx = vCtx.In(part)
			}
			v = vCtx.VariableWithValue(entry.Name, value)
		} else {
			v.SetValue(value)
		}
		v.Trainable = IsAdapterVariable(entry.Scope)
	}
	return nil
}

func scopeParts(scope string) []string {
	var parts []string
	for _, part := range strings.Split(scope, context.ScopeSeparator) {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
