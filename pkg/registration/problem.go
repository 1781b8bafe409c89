package registration

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/diff/fd"

	"medreg/pkg/cost"
	"medreg/pkg/transform"
)

// Problem is the objective seen by a minimizer: the aggregated cost as a
// function of the transformation parameters.
//
// Evaluations run on a private copy of the transformation, so the caller's
// transformation only changes when it commits a result.
type Problem interface {
	// Value returns the cost at x.
	Value(x []float64) float64

	// Gradient writes the cost gradient at x into grad.
	Gradient(x, grad []float64)

	// ValueAndGradient computes both from a single resampling pass.
	ValueAndGradient(x, grad []float64) float64

	// HasGradient reports whether Gradient may be called.
	HasGradient() bool

	// Evaluations returns the number of cost evaluations so far.
	Evaluations() int

	// Err returns the first evaluation error. The evaluation that failed
	// returned +Inf.
	Err() error
}

// evaluator is the state shared by all problem adapters.
type evaluator struct {
	agg     *cost.Aggregator
	scratch transform.Transformation
	evals   int
	err     error
}

func (e *evaluator) Evaluations() int { return e.evals }

func (e *evaluator) Err() error { return e.err }

func (e *evaluator) fail(err error) float64 {
	if e.err == nil {
		e.err = err
	}
	return math.Inf(1)
}

func (e *evaluator) value(x []float64) float64 {
	if err := e.scratch.SetParameters(x); err != nil {
		return e.fail(err)
	}
	e.evals++
	v, err := e.agg.CostValue(e.scratch)
	if err != nil {
		return e.fail(err)
	}
	return v
}

// GradientProblem evaluates the analytic gradient through the force fields
// of the costs. Every evaluation computes value and gradient in one
// resampling pass and caches both for the next call at the same x, so the
// Func then Grad sequence of a gonum line search resamples once.
type GradientProblem struct {
	evaluator
	lastX     []float64
	lastValue float64
	lastGrad  []float64
	grad      []float64
}

// NewGradientProblem creates a gradient problem around a copy of t.
func NewGradientProblem(t transform.Transformation, agg *cost.Aggregator) *GradientProblem {
	return &GradientProblem{evaluator: evaluator{agg: agg, scratch: t.Clone()}}
}

func (p *GradientProblem) HasGradient() bool { return true }

func (p *GradientProblem) cached(x []float64) bool {
	return p.lastX != nil && slices.Equal(p.lastX, x)
}

func (p *GradientProblem) Value(x []float64) float64 {
	if p.cached(x) {
		return p.lastValue
	}
	if len(p.grad) != len(x) {
		p.grad = make([]float64, len(x))
	}
	return p.ValueAndGradient(x, p.grad)
}

func (p *GradientProblem) Gradient(x, grad []float64) {
	if p.cached(x) {
		copy(grad, p.lastGrad)
		return
	}
	p.ValueAndGradient(x, grad)
}

func (p *GradientProblem) ValueAndGradient(x, grad []float64) float64 {
	if err := p.scratch.SetParameters(x); err != nil {
		return p.fail(err)
	}
	p.evals++
	v, err := p.agg.Evaluate(p.scratch, grad)
	if err != nil {
		p.lastX = nil
		return p.fail(err)
	}
	p.lastX = append(p.lastX[:0], x...)
	p.lastValue = v
	p.lastGrad = append(p.lastGrad[:0], grad...)
	return v
}

// DerivativeFreeProblem only provides cost values. Requesting a gradient
// from it is a wiring error and panics.
type DerivativeFreeProblem struct {
	evaluator
}

// NewDerivativeFreeProblem creates a value-only problem around a copy of t.
func NewDerivativeFreeProblem(t transform.Transformation, agg *cost.Aggregator) *DerivativeFreeProblem {
	return &DerivativeFreeProblem{evaluator: evaluator{agg: agg, scratch: t.Clone()}}
}

func (p *DerivativeFreeProblem) HasGradient() bool { return false }

func (p *DerivativeFreeProblem) Value(x []float64) float64 { return p.value(x) }

func (p *DerivativeFreeProblem) Gradient(x, grad []float64) {
	panic("registration: gradient requested from a derivative-free problem")
}

func (p *DerivativeFreeProblem) ValueAndGradient(x, grad []float64) float64 {
	panic("registration: gradient requested from a derivative-free problem")
}

// FiniteDifferenceProblem approximates the gradient by central differences
// (f(x+h) - f(x-h)) / 2h of the cost, two evaluations per parameter.
type FiniteDifferenceProblem struct {
	DerivativeFreeProblem
	step float64
}

// NewFiniteDifferenceProblem creates a problem with a finite difference
// gradient of step h around a copy of t.
func NewFiniteDifferenceProblem(t transform.Transformation, agg *cost.Aggregator, h float64) *FiniteDifferenceProblem {
	return &FiniteDifferenceProblem{
		DerivativeFreeProblem: DerivativeFreeProblem{evaluator: evaluator{agg: agg, scratch: t.Clone()}},
		step:                  h,
	}
}

func (p *FiniteDifferenceProblem) HasGradient() bool { return true }

func (p *FiniteDifferenceProblem) Gradient(x, grad []float64) {
	fd.Gradient(grad, p.value, x, &fd.Settings{
		Formula: fd.Central,
		Step:    p.step,
	})
}

func (p *FiniteDifferenceProblem) ValueAndGradient(x, grad []float64) float64 {
	p.Gradient(x, grad)
	return p.value(x)
}
