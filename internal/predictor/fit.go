// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// ErrInsufficientData is returned when there are too few calibration points
// to fit a model
var ErrInsufficientData = errors.New("insufficient calibration data")

// Family names a model shape
type Family string

const (
	FamilyLinear     Family = "linear"
	FamilyPolynomial Family = "polynomial"
	FamilySpline     Family = "spline"
	FamilyBimodal    Family = "bimodal"
)

// Fitter fits power against cpu load
type Fitter interface {
	Family() Family
	Fit(points []energy.CalibrationPoint) (*energy.PredictorFunction, error)
}

// LinearFitter fits power = a + b*cpu with ordinary least squares
type LinearFitter struct{}

var _ Fitter = LinearFitter{}

func (LinearFitter) Family() Family {
	return FamilyLinear
}

func (LinearFitter) Fit(points []energy.CalibrationPoint) (*energy.PredictorFunction, error) {
	xs, ys := cpuPower(points)
	if distinct(xs) < 2 {
		return nil, fmt.Errorf("%w: linear fit needs 2 distinct cpu loads, got %d", ErrInsufficientData, distinct(xs))
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	return withErrors(Linear{Intercept: alpha, Slope: beta}, xs, ys), nil
}

// Linear is a fitted straight line
type Linear struct {
	Intercept float64
	Slope     float64
}

func (l Linear) Value(x float64) float64 {
	return l.Intercept + l.Slope*x
}

// PolynomialFitter fits a polynomial of Degree by least squares
type PolynomialFitter struct {
	Degree int
}

var _ Fitter = PolynomialFitter{}

func (PolynomialFitter) Family() Family {
	return FamilyPolynomial
}

func (f PolynomialFitter) Fit(points []energy.CalibrationPoint) (*energy.PredictorFunction, error) {
	xs, ys := cpuPower(points)
	terms := f.Degree + 1
	if f.Degree < 1 || distinct(xs) < terms {
		return nil, fmt.Errorf("%w: degree %d fit needs %d distinct cpu loads, got %d",
			ErrInsufficientData, f.Degree, terms, distinct(xs))
	}

	// Vandermonde system: a[i][j] = x_i^j
	a := mat.NewDense(len(xs), terms, nil)
	for i, x := range xs {
		v := 1.0
		for j := range terms {
			a.Set(i, j, v)
			v *= x
		}
	}

	var coef mat.VecDense
	if err := coef.SolveVec(a, mat.NewVecDense(len(ys), ys)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("polynomial fit: %w", err)
		}
	}
	return withErrors(Polynomial(mat.Col(nil, 0, &coef)), xs, ys), nil
}

// Polynomial holds coefficients in increasing order of power
type Polynomial []float64

func (p Polynomial) Value(x float64) float64 {
	// Horner
	v := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		v = v*x + p[i]
	}
	return v
}

// SplineFitter fits a monotone piecewise cubic through the mean power
// observed at each cpu load
type SplineFitter struct{}

var _ Fitter = SplineFitter{}

func (SplineFitter) Family() Family {
	return FamilySpline
}

func (SplineFitter) Fit(points []energy.CalibrationPoint) (*energy.PredictorFunction, error) {
	xs, ys := cpuPower(points)
	knotX, knotY := meanByX(xs, ys)
	if len(knotX) < 3 {
		return nil, fmt.Errorf("%w: spline fit needs 3 distinct cpu loads, got %d", ErrInsufficientData, len(knotX))
	}

	spline := &Spline{}
	if err := spline.fb.Fit(knotX, knotY); err != nil {
		return nil, fmt.Errorf("spline fit: %w", err)
	}
	return withErrors(spline, xs, ys), nil
}

// Spline is a fitted Fritsch-Butland interpolant
type Spline struct {
	fb interp.FritschButland
}

func (s *Spline) Value(x float64) float64 {
	return s.fb.Predict(x)
}

// withErrors wraps fn together with its errors against xs, ys
func withErrors(fn energy.ModelFunc, xs, ys []float64) *energy.PredictorFunction {
	sse := sumOfSquareError(fn, xs, ys)
	return &energy.PredictorFunction{
		Func:                fn,
		SumOfSquareError:    sse,
		RootMeanSquareError: math.Sqrt(sse / float64(len(xs))),
	}
}

func sumOfSquareError(fn energy.ModelFunc, xs, ys []float64) float64 {
	residuals := make([]float64, len(xs))
	for i, x := range xs {
		residuals[i] = fn.Value(x) - ys[i]
	}
	return floats.Dot(residuals, residuals)
}

func cpuPower(points []energy.CalibrationPoint) (xs, ys []float64) {
	xs = make([]float64, len(points))
	ys = make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.CPU
		ys[i] = p.Power
	}
	return xs, ys
}

func distinct(xs []float64) int {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	return len(slices.Compact(sorted))
}

// meanByX returns the sorted distinct xs with the mean y observed at each
func meanByX(xs, ys []float64) (knotX, knotY []float64) {
	sums := make(map[float64]float64)
	counts := make(map[float64]int)
	for i, x := range xs {
		sums[x] += ys[i]
		counts[x]++
	}
	for x := range sums {
		knotX = append(knotX, x)
	}
	slices.Sort(knotX)
	knotY = make([]float64, len(knotX))
	for i, x := range knotX {
		knotY[i] = sums[x] / float64(counts[x])
	}
	return knotX, knotY
}
