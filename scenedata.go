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
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// VegMAPDataVersion is the version of the scene data file format
// expected by this version of the model. It is stored in every scene
// file that the preprocessor writes, and checked on load, so that
// scenes prepared with an incompatible preprocessor are rejected
// instead of being silently misinterpreted.
const VegMAPDataVersion = "1.1.0"

// sceneEpoch is the reference time for the date coordinate stored in
// scene data files: dates are written as fractional days since this
// instant.
var sceneEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// SceneData holds a preprocessed stack of vegetation index observations
// on a regular grid: for each grid cell, one value per observation date.
type SceneData struct {
	xo float64 // lower left of scene grid, x
	yo float64 // lower left of grid, y
	dx float64 // grid cell length in the x direction
	dy float64 // grid cell length in the y direction
	nx int
	ny int

	// dates are the observation times of the time layers, in
	// chronological order.
	dates []time.Time

	// Data is a map of information about the gridded variables in the
	// scene, with the keys being the variable names.
	Data map[string]struct {
		Dims        []string           // netcdf dimensions for this variable
		Description string             // variable description
		Units       string             // variable units
		Data        *sparse.DenseArray // variable data
	}
}

// AddVariable adds data for a new variable to d.
func (d *SceneData) AddVariable(name string, dims []string, description, units string, data *sparse.DenseArray) {
	if d.Data == nil {
		d.Data = make(map[string]struct {
			Dims        []string
			Description string
			Units       string
			Data        *sparse.DenseArray
		})
	}
	d.Data[name] = struct {
		Dims        []string           // netcdf dimensions for this variable
		Description string             // variable description
		Units       string             // variable units
		Data        *sparse.DenseArray // variable data
	}{
		Dims:        dims,
		Description: description,
		Units:       units,
		Data:        data,
	}
}

// Dates returns the observation times of the time layers in d,
// in chronological order.
func (d *SceneData) Dates() []time.Time { return d.dates }

// NT returns the number of time layers in d.
func (d *SceneData) NT() int { return len(d.dates) }

// LoadSceneData loads a preprocessed scene from a netcdf file.
func (config *GridConfig) LoadSceneData(rw cdf.ReaderWriterAt) (*SceneData, error) {
	f, err := cdf.Open(rw)
	if err != nil {
		return nil, fmt.Errorf("vegmap.LoadSceneData: %v", err)
	}
	o := new(SceneData)

	// Get scene grid attributes.
	o.dx = f.Header.GetAttribute("", "dx").([]float64)[0]
	o.dy = f.Header.GetAttribute("", "dy").([]float64)[0]
	o.nx = int(f.Header.GetAttribute("", "nx").([]int32)[0])
	o.ny = int(f.Header.GetAttribute("", "ny").([]int32)[0])
	o.xo = f.Header.GetAttribute("", "x0").([]float64)[0]
	o.yo = f.Header.GetAttribute("", "y0").([]float64)[0]

	dataVersion := f.Header.GetAttribute("", "data_version").(string)

	if dataVersion != VegMAPDataVersion {
		return nil, fmt.Errorf("vegmap.LoadSceneData: data version %s is incompatible "+
			"with the required version %s", dataVersion, VegMAPDataVersion)
	}

	days := f.Header.GetAttribute("", "dates").([]float64)
	o.dates = daysToDates(days)
	nt := int(f.Header.GetAttribute("", "nt").([]int32)[0])
	if nt != len(o.dates) {
		return nil, fmt.Errorf("vegmap.LoadSceneData: nt attribute is %d but %d dates are listed", nt, len(o.dates))
	}

	od := make(map[string]struct {
		Dims        []string
		Description string
		Units       string
		Data        *sparse.DenseArray
	})
	for _, v := range f.Header.Variables() {
		d := struct {
			Dims        []string
			Description string
			Units       string
			Data        *sparse.DenseArray
		}{}
		d.Description = f.Header.GetAttribute(v, "description").(string)
		d.Units = f.Header.GetAttribute(v, "units").(string)
		dims := f.Header.Lengths(v)
		r := f.Reader(v, nil, nil)
		d.Data = sparse.ZerosDense(dims...)
		tmp := make([]float32, len(d.Data.Elements))
		_, err = r.Read(tmp)
		if err != nil {
			return nil, fmt.Errorf("vegmap.LoadSceneData: %v", err)
		}
		d.Dims = f.Header.Dimensions(v)

		// Check that data matches dimensions.
		n := 1
		for _, v := range dims {
			n *= v
		}
		if len(tmp) != n {
			return nil, fmt.Errorf("vegmap.GridConfig.LoadSceneData: dims are %d but "+
				"array length is %d", n, len(tmp))
		}

		for i, v := range tmp {
			d.Data.Elements[i] = float64(v)
		}
		od[v] = d
	}
	o.Data = od
	return o, nil
}

// Write writes d to netcdf file w.
func (d *SceneData) Write(w *os.File) error {
	firstVar, err := d.indexVariable()
	if err != nil {
		return err
	}
	index := d.Data[firstVar].Data
	h := cdf.NewHeader(
		[]string{"t", "y", "x"},
		[]int{index.Shape[0], index.Shape[1], index.Shape[2]})
	h.AddAttribute("", "comment", "VegMAP multi-temporal vegetation index scene file")

	h.AddAttribute("", "x0", []float64{d.xo})
	h.AddAttribute("", "y0", []float64{d.yo})
	h.AddAttribute("", "dx", []float64{d.dx})
	h.AddAttribute("", "dy", []float64{d.dy})
	h.AddAttribute("", "nx", []int32{int32(index.Shape[2])})
	h.AddAttribute("", "ny", []int32{int32(index.Shape[1])})
	h.AddAttribute("", "nt", []int32{int32(len(d.dates))})
	h.AddAttribute("", "dates", datesToDays(d.dates))

	h.AddAttribute("", "data_version", VegMAPDataVersion)

	// Sort the names so they write in the same order every time.
	names := make([]string, 0, len(d.Data))
	for n := range d.Data {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		dd := d.Data[name]
		h.AddVariable(name, dd.Dims, []float32{0})
		h.AddAttribute(name, "description", dd.Description)
		h.AddAttribute(name, "units", dd.Units)
	}
	h.Define()

	f, err := cdf.Create(w, h) // writes the header to w
	if err != nil {
		return err
	}

	for _, name := range names {
		dd := d.Data[name]
		if err = writeNCF(f, name, dd.Data); err != nil {
			return fmt.Errorf("vegmap: writing variable %s to netcdf file: %v", name, err)
		}
	}
	err = cdf.UpdateNumRecs(w)
	if err != nil {
		return err
	}
	return nil
}

// indexVariable returns the name of a 3-dimensional variable in d,
// which is used to establish the dimension lengths of the file.
func (d *SceneData) indexVariable() (string, error) {
	names := make([]string, 0, len(d.Data))
	for n := range d.Data {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if len(d.Data[n].Dims) == 3 {
			return n, nil
		}
	}
	return "", errors.New("vegmap: scene data contains no 3-dimensional variables")
}

// CombineScenes returns the combination of the input scene nests.
// The output will have the extent of the first nest and the horizontal
// resolution of the highest resolution nest. It is assumed that
// the nests fit neatly inside each other; no interpolation will be
// performed. The input nests will be
// overlayed onto the output in the provided order, so each sequential
// nest will write over any previous nest(s) that it overlaps with.
// Observation dates are assumed to be the same among all nests;
// if the nests do not all have the same number of time layers, an
// error will be returned.
func CombineScenes(nests ...*SceneData) (*SceneData, error) {
	if len(nests) == 0 {
		return nil, nil
	}

	o := new(SceneData)

	// Get extent and resolution of resulting grid.
	o.xo, o.yo = nests[0].xo, nests[0].yo
	o.dates = nests[0].dates
	o.dx, o.dy = math.Inf(1), math.Inf(1)
	nt := len(nests[0].dates)
	for _, nest := range nests {
		if len(nest.dates) != nt {
			return nil, errors.New("vegmap: inconsistent number of time layers when combining scene files")
		}
		if nest.dx < o.dx {
			o.dx = nest.dx
		}
		if nest.dy < o.dy {
			o.dy = nest.dy
		}
	}
	o.nx = nests[0].nx * round(nests[0].dx/o.dx)
	o.ny = nests[0].ny * round(nests[0].dy/o.dy)

	// Copy data.
	for _, nest := range nests {
		xNestFac := round(nest.dx / o.dx)        // nesting ratio in x-direction
		yNestFac := round(nest.dy / o.dy)        // nesting ratio in y-direction
		nestio := round((nest.xo - o.xo) / o.dx) // x-index in output grid of nest ll corner.
		nestjo := round((nest.yo - o.yo) / o.dy) // y-index in output grid of nest ll corner.

		// Closure for copying one time layer
		copyLayer := func(get func(j, i int) float64, set func(v float64, j, i int)) {
			for nj := 0; nj < nest.ny; nj++ {
				for ni := 0; ni < nest.nx; ni++ {
					v := get(nj, ni)
					for oj := nestjo + nj*yNestFac; oj < nestjo+(nj+1)*yNestFac; oj++ {
						for oi := nestio + ni*xNestFac; oi < nestio+(ni+1)*xNestFac; oi++ {
							if oi >= 0 && oj >= 0 && oi < o.nx && oj < o.ny {
								set(v, oj, oi)
							}
						}
					}
				}
			}
		}

		for name, data := range nest.Data {
			switch len(data.Dims) {
			case 3:
				if _, ok := o.Data[name]; !ok {
					o.AddVariable(name, data.Dims, data.Description, data.Units, sparse.ZerosDense(nt, o.ny, o.nx))
				}
				od := o.Data[name]
				for k := 0; k < nt; k++ {
					get := func(j, i int) float64 { return data.Data.Get(k, j, i) }
					set := func(v float64, j, i int) { od.Data.Set(v, k, j, i) }
					copyLayer(get, set)
				}
			case 2:
				if _, ok := o.Data[name]; !ok {
					o.AddVariable(name, data.Dims, data.Description, data.Units, sparse.ZerosDense(o.ny, o.nx))
				}
				od := o.Data[name]
				get := func(j, i int) float64 { return data.Data.Get(j, i) }
				set := func(v float64, j, i int) { od.Data.Set(v, j, i) }
				copyLayer(get, set)
			default:
				return nil, fmt.Errorf("vegmap: invalid number of dimensions (%d) when combining scene data", len(data.Dims))
			}
		}
	}
	return o, nil
}

func round(v float64) int { return int(v + 0.5) }

func writeNCF(f *cdf.File, Var string, data *sparse.DenseArray) error {
	// Check that data matches dimensions.
	n := 1
	for _, v := range data.Shape {
		n *= v
	}
	if len(data.Elements) != n {
		return fmt.Errorf("dims are %d but "+"array length is %d", n, len(data.Elements))
	}

	data32 := make([]float32, len(data.Elements))
	for i, e := range data.Elements {
		data32[i] = float32(e)
	}
	end := f.Header.Lengths(Var)
	start := make([]int, len(end))
	w := f.Writer(Var, start, end)
	_, err := w.Write(data32)
	if err != nil {
		return err
	}
	return nil
}

func datesToDays(dates []time.Time) []float64 {
	days := make([]float64, len(dates))
	for i, d := range dates {
		days[i] = d.Sub(sceneEpoch).Hours() / 24
	}
	return days
}

func daysToDates(days []float64) []time.Time {
	dates := make([]time.Time, len(days))
	for i, d := range days {
		dates[i] = sceneEpoch.Add(time.Duration(d * 24 * float64(time.Hour)))
	}
	return dates
}
