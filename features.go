/*
Copyright © 2019 the VegMAP authors.
This file is part of VegMAP.

VegMAP is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

VegMAP is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with VegMAP.  If not, see <http://www.gnu.org/licenses/>.
*/

package vegmap

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FeatureMatrix returns the classification features of the grid as a
// matrix with one row for each grid cell, in the order returned by
// (*VegMap).Cells(), and one column for each time layer of the
// vegetation index profile. Because the grid only contains cells with
// complete time series, the number of rows equals the number of raster
// cells that have usable data.
func (d *VegMap) FeatureMatrix() *mat.Dense {
	cells := d.Cells()
	o := mat.NewDense(len(cells), len(d.Dates), nil)
	for i, c := range cells {
		o.SetRow(i, c.Profile)
	}
	return o
}

// A Scaler standardizes feature columns to zero mean and unit variance
// so that time layers with large absolute index values do not dominate
// the cluster distances.
type Scaler struct {
	// Mean and Std hold the per-column means and standard deviations
	// learned by Fit.
	Mean, Std []float64
}

// Fit learns the column means and standard deviations of x.
func (s *Scaler) Fit(x *mat.Dense) error {
	rows, cols := x.Dims()
	if rows == 0 {
		return fmt.Errorf("vegmap: cannot fit a scaler to a feature matrix with no rows")
	}
	s.Mean = make([]float64, cols)
	s.Std = make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		s.Mean[j], s.Std[j] = stat.MeanStdDev(col, nil)
	}
	return nil
}

// Transform standardizes the columns of x using the means and standard
// deviations learned by Fit. Columns with zero variance are passed
// through unchanged.
func (s *Scaler) Transform(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if len(s.Mean) != cols {
		return nil, fmt.Errorf("vegmap: the scaler was fit to %d columns but the feature matrix has %d",
			len(s.Mean), cols)
	}
	o := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := x.At(i, j)
			if std := s.Std[j]; std > 0 {
				v = (v - s.Mean[j]) / std
			}
			o.Set(i, j, v)
		}
	}
	return o, nil
}

// FitTransform learns the scaling parameters of x and returns the
// standardized copy of it.
func (s *Scaler) FitTransform(x *mat.Dense) (*mat.Dense, error) {
	if err := s.Fit(x); err != nil {
		return nil, err
	}
	return s.Transform(x)
}
