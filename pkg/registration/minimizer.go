package registration

import (
	"fmt"

	"gonum.org/v1/gonum/optimize"

	"medreg/pkg/factory"
)

// Minimizer configures one run of a gonum optimization method.
type Minimizer struct {
	// Name is the registry name, e.g. "lbfgs"
	Name string

	// Method creates a fresh optimization method for every run
	Method func() optimize.Method

	// Iterations limits the number of major iterations
	Iterations int

	// FuncEvaluations limits the number of cost evaluations; 0 means no limit
	FuncEvaluations int

	// GradientThreshold stops the run once the gradient norm drops below it
	GradientThreshold float64

	// FunctionTolerance is the absolute cost change below which the run is
	// considered converged
	FunctionTolerance float64

	// FiniteDifferences approximates the gradient by central differences
	// of the cost instead of using the analytic force fields
	FiniteDifferences bool

	// Step is the finite difference step in parameter units
	Step float64
}

// NeedsGradient reports whether the method cannot run on cost values alone.
func (m *Minimizer) NeedsGradient() bool {
	_, err := m.Method().Uses(optimize.Available{})
	return err != nil
}

func (m *Minimizer) settings() *optimize.Settings {
	return &optimize.Settings{
		MajorIterations:   m.Iterations,
		FuncEvaluations:   m.FuncEvaluations,
		GradientThreshold: m.GradientThreshold,
		Converger: &optimize.FunctionConverge{
			Absolute:   m.FunctionTolerance,
			Iterations: 10,
		},
		Concurrent: 1,
	}
}

// Minimize runs the method on p starting from x0. When gonum reports an
// error together with a usable location the result is returned with the error.
func (m *Minimizer) Minimize(p Problem, x0 []float64) (*optimize.Result, error) {
	problem := optimize.Problem{
		Func: p.Value,
		Status: func() (optimize.Status, error) {
			if err := p.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	if p.HasGradient() {
		problem.Grad = func(grad, x []float64) { p.Gradient(x, grad) }
	}
	return optimize.Minimize(problem, x0, m.settings(), m.Method())
}

func (m *Minimizer) String() string {
	s := fmt.Sprintf("%s(iter=%d", m.Name, m.Iterations)
	if m.FiniteDifferences {
		s += fmt.Sprintf(", fd step=%g", m.Step)
	}
	return s + ")"
}

var minimizers = factory.NewRegistry[*Minimizer]("minimizer")

// ParseMinimizer creates a minimizer from a description such as
// "lbfgs:iter=100" or "nm:feval=2000".
func ParseMinimizer(desc string) (*Minimizer, error) {
	return minimizers.Create(desc)
}

// MinimizerNames returns the registered minimizer names.
func MinimizerNames() []string {
	return minimizers.Names()
}

func init() {
	methods := map[string]func() optimize.Method{
		"lbfgs": func() optimize.Method { return &optimize.LBFGS{} },
		"bfgs":  func() optimize.Method { return &optimize.BFGS{} },
		"cg":    func() optimize.Method { return &optimize.CG{} },
		"gd":    func() optimize.Method { return &optimize.GradientDescent{} },
		"nm":    func() optimize.Method { return &optimize.NelderMead{} },
	}
	for name, method := range methods {
		name, method := name, method
		minimizers.Register(name, func(p factory.Params) (*Minimizer, error) {
			return newMinimizer(name, method, p)
		})
	}
}

func newMinimizer(name string, method func() optimize.Method, p factory.Params) (*Minimizer, error) {
	if err := p.Check(name, "iter", "feval", "gtol", "ftol", "fd", "step"); err != nil {
		return nil, err
	}
	m := &Minimizer{Name: name, Method: method}
	var err error
	if m.Iterations, err = p.Int("iter", 200); err != nil {
		return nil, err
	}
	if m.FuncEvaluations, err = p.Int("feval", 0); err != nil {
		return nil, err
	}
	if m.GradientThreshold, err = p.Float("gtol", 1e-6); err != nil {
		return nil, err
	}
	if m.FunctionTolerance, err = p.Float("ftol", 1e-8); err != nil {
		return nil, err
	}
	if m.FiniteDifferences, err = p.Bool("fd", false); err != nil {
		return nil, err
	}
	if m.Step, err = p.Float("step", 0.01); err != nil {
		return nil, err
	}
	if m.Iterations < 1 {
		return nil, fmt.Errorf("%s: iter must be positive, got %d", name, m.Iterations)
	}
	if m.FuncEvaluations < 0 {
		return nil, fmt.Errorf("%s: feval must not be negative, got %d", name, m.FuncEvaluations)
	}
	if m.Step <= 0 {
		return nil, fmt.Errorf("%s: step must be positive, got %g", name, m.Step)
	}
	return m, nil
}
