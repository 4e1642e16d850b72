// Package lora injects trainable low-rank adapters into a frozen encoder.
//
// For a frozen projection y = x·Wᵀ the adapter adds (alpha/rank)·(x·Aᵀ)·Bᵀ,
// where A is rank×in (gaussian init) and B is out×rank (zero init), so a
// freshly injected adapter is a no-op. Only A and B receive gradients.
package lora

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// ScopeName under which adapter variables live, inside the scope of the
// projection they are attached to. Everything outside this scope is frozen by
// MarkTrainable.
const ScopeName = "lora"

// initializerSeed makes adapter initialization deterministic given a fixed
// training seed.
const initializerSeed = 42

// Config for adapter injection.
type Config struct {
	// Rank of the update matrices.
	Rank int

	// Alpha scaling factor. The effective scale of the update is Alpha/Rank.
	Alpha float64

	// TargetProjections lists the projection names to adapt.
	TargetProjections []string
}

// NewConfig returns the default adapter configuration: rank 8, alpha 16, on
// the query/key/value attention projections.
func NewConfig() *Config {
	return &Config{
		Rank:              8,
		Alpha:             16,
		TargetProjections: []string{"query", "key", "value"},
	}
}

// Wants reports whether the named projection should receive an adapter.
func (c *Config) Wants(projection string) bool {
	for _, target := range c.TargetProjections {
		if target == projection {
			return true
		}
	}
	return false
}

// Delta builds the low-rank update for one projection: it must be called with
// the projection's own scope and returns a node shaped like the projection
// output, to be added to it.
func (c *Config) Delta(ctx *context.Context, x *Node, dimOut int) *Node {
	g := x.Graph()
	lctx := ctx.In(ScopeName)
	dtype := x.DType()
	dimIn := x.Shape().Dim(-1)

	aVar := lctx.WithInitializer(initializers.RandomNormalFn(initializerSeed, 0.02)).
		VariableWithShape("a", shapes.Make(dtype, c.Rank, dimIn))
	bVar := lctx.WithInitializer(initializers.Zero).
		VariableWithShape("b", shapes.Make(dtype, dimOut, c.Rank))

	down := Einsum("bti,ri->btr", x, aVar.ValueGraph(g))
	up := Einsum("btr,or->bto", down, bVar.ValueGraph(g))
	return MulScalar(up, c.Alpha/float64(c.Rank))
}

// modelScope is the root scope of the encoder variables the adapters attach
// to.
const modelScope = "model"

// IsAdapterVariable reports whether the variable at the given scope is an
// adapter parameter: a variable under the encoder's scope tree whose
// innermost scope is the adapter scope. Optimizer slot variables mirror the
// parameter scope under the optimizer's own root (gomlx's Adam keeps its
// moments at "/AdamOptimizer/model/.../lora") and must not match, or a
// resumed run would treat restored moments as trainable parameters.
func IsAdapterVariable(scope string) bool {
	return strings.HasPrefix(scope, context.ScopeSeparator+modelScope+context.ScopeSeparator) &&
		strings.HasSuffix(scope, context.ScopeSeparator+ScopeName)
}

// IsAdapterOptimizerState reports whether the variable at the given scope is
// optimizer slot state of an adapter parameter: the parameter's scope
// mirrored under the optimizer's root scope.
func IsAdapterOptimizerState(scope string) bool {
	trimmed := strings.TrimPrefix(scope, context.ScopeSeparator)
	_, mirrored, found := strings.Cut(trimmed, context.ScopeSeparator)
	return found && IsAdapterVariable(context.ScopeSeparator+mirrored)
}

// MarkTrainable freezes every variable of the context except the adapter
// ones. Must be called after the base weights are loaded and before the
// optimizer is created, so no optimizer state is allocated for frozen
// weights.
func MarkTrainable(ctx *context.Context) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		v.Trainable = IsAdapterVariable(v.Scope())
	})
}

// Summary counts adapter (trainable) vs total parameters.
type Summary struct {
	Trainable, Total int
}

func Summarize(ctx *context.Context) Summary {
	var s Summary
	ctx.EnumerateVariables(func(v *context.Variable) {
		size := v.Shape().Size()
		s.Total += size
		if v.Trainable {
			s.Trainable += size
		}
	})
	return s
}

func (s Summary) String() string {
	percent := 0.0
	if s.Total > 0 {
		percent = 100 * float64(s.Trainable) / float64(s.Total)
	}
	return fmt.Sprintf("trainable params: %s || all params: %s || trainable%%: %.4f",
		humanize.Comma(int64(s.Trainable)), humanize.Comma(int64(s.Total)), percent)
}
