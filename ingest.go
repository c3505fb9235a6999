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
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

const (
	// inDateFormat specifies the format to use
	// when inputting dates.
	inDateFormat = "20060102"
)

// NextData is a type of function that returns the gridded scene for the
// next observation date. If there are no more observations, it should
// return the io.EOF error.
type NextData func() (*sparse.DenseArray, error)

// SceneSource specifies the methods that are necessary for a
// variable to act as a source of satellite vegetation index scenes.
type SceneSource interface {
	// Nx is the number of grid cells in the West-East direction.
	Nx() (int, error)
	// Ny is the number of grid cells in the South-North direction.
	Ny() (int, error)

	// Index returns the vegetation index scenes, one per
	// observation date.
	Index() NextData
	// QA returns the quality masks accompanying the index scenes,
	// where 1 means an observation is usable and 0 means it
	// must be rejected.
	QA() NextData

	// IndexName is the name of the vegetation index that this
	// source provides (e.g. LAI or NDVI).
	IndexName() string
	// IndexUnits is the measurement units of the vegetation index.
	IndexUnits() string

	// Dates returns the observation dates, in chronological order.
	Dates() []time.Time
}

// IngestConfig holds the grid georeferencing and compositing
// settings for scene ingestion.
type IngestConfig struct {
	X0 float64 // x coordinate of the lower-left corner of the scene grid
	Y0 float64 // y coordinate of the lower-left corner of the grid
	Dx float64 // cell edge length in the x direction
	Dy float64 // cell edge length in the y direction

	// CompositePeriod is the number of days of observations that are
	// combined into each time layer of the output scene stack. Zero
	// means that every observation date becomes its own layer.
	CompositePeriod int

	// CompositeMethod determines how the usable observations within
	// a period are combined: "mean" or "max". The default is "mean".
	CompositeMethod string
}

func (c *IngestConfig) valid() error {
	if c.Dx <= 0 || c.Dy <= 0 {
		return fmt.Errorf("vegmap: ingest: grid cell lengths dx=%g and dy=%g must both be positive", c.Dx, c.Dy)
	}
	switch c.CompositeMethod {
	case "", "mean", "max":
	default:
		return fmt.Errorf("vegmap: ingest: composite method must be `mean` or `max` but is `%s`", c.CompositeMethod)
	}
	if c.CompositePeriod < 0 {
		return fmt.Errorf("vegmap: ingest: composite period must not be negative but is %d", c.CompositePeriod)
	}
	return nil
}

// Ingest reads all of the scenes available from the given
// source, rejects observations that fail the source's quality mask,
// composites the survivors into regular time periods, and returns the
// resulting scene stack. The grid georeferencing and compositing
// behavior are taken from the given configuration.
func Ingest(source SceneSource, cfg *IngestConfig) (*SceneData, error) {
	if err := cfg.valid(); err != nil {
		return nil, err
	}
	dates := source.Dates()
	if len(dates) == 0 {
		return nil, fmt.Errorf("vegmap: ingest: source provides no observation dates")
	}
	periodOf, starts, err := compositePeriods(dates, cfg.CompositePeriod)
	if err != nil {
		return nil, err
	}

	method := cfg.CompositeMethod
	if method == "" {
		method = "mean"
	}

	var index, nobs *sparse.DenseArray

	errChan := make(chan error)

	go func() {
		var err error
		index, err = composite(maskMissing(source.Index(), source.QA()), periodOf, len(starts), method)
		errChan <- err
	}()

	go func() {
		var err error
		nobs, err = validCount(maskMissing(source.Index(), source.QA()))
		errChan <- err
	}()

	for i := 0; i < 2; i++ {
		err := <-errChan
		if err != nil {
			return nil, err
		}
	}

	nx, err := source.Nx()
	if err != nil {
		return nil, err
	}
	ny, err := source.Ny()
	if err != nil {
		return nil, err
	}
	if index.Shape[1] != ny || index.Shape[2] != nx {
		return nil, fmt.Errorf("vegmap: ingest: composited scenes are %d x %d but the source reports a %d x %d grid",
			index.Shape[2], index.Shape[1], nx, ny)
	}

	data := new(SceneData)
	data.xo = cfg.X0
	data.yo = cfg.Y0
	data.dx = cfg.Dx
	data.dy = cfg.Dy
	data.ny = ny
	data.nx = nx
	data.dates = starts
	data.AddVariable(source.IndexName(), []string{"t", "y", "x"},
		fmt.Sprintf("%s composited over %d-day periods (%s)", source.IndexName(), cfg.CompositePeriod, method),
		source.IndexUnits(), index)
	data.AddVariable("NObs", []string{"y", "x"},
		"Number of usable observations", "count", nobs)

	return data, nil
}

// compositePeriods groups the given observation dates into periods of
// the given length in days. It returns, for every date, the index of the
// period it belongs to, along with the start dates of the periods.
// Periods within the date range that contain no observations are
// skipped so that every returned period holds at least one date.
func compositePeriods(dates []time.Time, periodDays int) (periodOf []int, starts []time.Time, err error) {
	for i := 1; i < len(dates); i++ {
		if !dates[i].After(dates[i-1]) {
			return nil, nil, fmt.Errorf("vegmap: ingest: observation dates must be strictly increasing but date %d (%v) is not after date %d (%v)",
				i, dates[i].Format(inDateFormat), i-1, dates[i-1].Format(inDateFormat))
		}
	}
	periodOf = make([]int, len(dates))
	if periodDays == 0 {
		starts = make([]time.Time, len(dates))
		for i, d := range dates {
			periodOf[i] = i
			starts[i] = d
		}
		return periodOf, starts, nil
	}
	period := time.Duration(periodDays) * 24 * time.Hour
	last := -1
	for i, d := range dates {
		p := int(d.Sub(dates[0]) / period)
		if last < 0 || p != last {
			starts = append(starts, dates[0].Add(time.Duration(p)*period))
			last = p
		}
		periodOf[i] = len(starts) - 1
	}
	return periodOf, starts, nil
}

// maskMissing returns a wrapper around dataFunc that replaces
// observations rejected by the corresponding quality mask with NaN.
func maskMissing(dataFunc, maskFunc NextData) NextData {
	return func() (*sparse.DenseArray, error) {
		data, err := dataFunc()
		if err != nil {
			return nil, err
		}
		mask, err := maskFunc()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("vegmap: ingest: quality mask series ended before the index series")
			}
			return nil, err
		}
		if len(mask.Elements) != len(data.Elements) {
			return nil, fmt.Errorf("vegmap: ingest: quality mask has %d cells but the scene has %d cells",
				len(mask.Elements), len(data.Elements))
		}
		out := sparse.ZerosDense(data.Shape...)
		for i, val := range data.Elements {
			if mask.Elements[i] < 0.5 {
				out.Elements[i] = math.NaN()
			} else {
				out.Elements[i] = val
			}
		}
		return out, nil
	}
}

// composite combines the scenes returned by dataFunc into one layer per
// period, where periodOf maps each scene to its period. Cells with no
// usable observation within a period are NaN in the corresponding layer.
func composite(dataFunc NextData, periodOf []int, nPeriods int, method string) (*sparse.DenseArray, error) {
	var sum, count *sparse.DenseArray
	firstData := true
	var t int
	for {
		data, err := dataFunc()
		if err != nil {
			if err == io.EOF {
				if t != len(periodOf) {
					return nil, fmt.Errorf("vegmap: ingest: read %d scenes but %d observation dates are listed", t, len(periodOf))
				}
				return finishComposite(sum, count, method), nil
			}
			return nil, err
		}
		if firstData {
			sum = sparse.ZerosDense(nPeriods, data.Shape[0], data.Shape[1])
			count = sparse.ZerosDense(nPeriods, data.Shape[0], data.Shape[1])
			firstData = false
		}
		if t >= len(periodOf) {
			return nil, fmt.Errorf("vegmap: ingest: source returned more scenes than observation dates (%d)", len(periodOf))
		}
		if data.Shape[0] != sum.Shape[1] || data.Shape[1] != sum.Shape[2] {
			return nil, fmt.Errorf("vegmap: ingest: scene %d is %d x %d but earlier scenes are %d x %d",
				t, data.Shape[1], data.Shape[0], sum.Shape[2], sum.Shape[1])
		}
		p := periodOf[t]
		for j := 0; j < data.Shape[0]; j++ {
			for i := 0; i < data.Shape[1]; i++ {
				v := data.Get(j, i)
				if math.IsNaN(v) {
					continue
				}
				n := count.Get(p, j, i)
				switch method {
				case "max":
					if n == 0 || v > sum.Get(p, j, i) {
						sum.Set(v, p, j, i)
					}
				default: // mean
					sum.AddVal(v, p, j, i)
				}
				count.Set(n+1, p, j, i)
			}
		}
		t++
	}
}

func finishComposite(sum, count *sparse.DenseArray, method string) *sparse.DenseArray {
	for i, n := range count.Elements {
		if n == 0 {
			sum.Elements[i] = math.NaN()
		} else if method != "max" {
			sum.Elements[i] /= n
		}
	}
	return sum
}

// validCount counts the usable observations at each grid cell over
// the whole observation series.
func validCount(dataFunc NextData) (*sparse.DenseArray, error) {
	var count *sparse.DenseArray
	firstData := true
	for {
		data, err := dataFunc()
		if err != nil {
			if err == io.EOF {
				return count, nil
			}
			return nil, err
		}
		if firstData {
			count = sparse.ZerosDense(data.Shape...)
			firstData = false
		}
		for i, val := range data.Elements {
			if !math.IsNaN(val) {
				count.Elements[i]++
			}
		}
	}
}

// nextDataNCF returns a function that sequentially retrieves gridded scenes
// for the specified variable (varName) from a series of NetCDF files
// with the given file name template, one file per observation date.
// dateFormat is the format in which dates appear in the filename.
func nextDataNCF(fileTemplate string, dateFormat string, varName string, dates []time.Time, readFunc readNCFFunc, msgChan chan string) NextData {
	var i int
	return func() (*sparse.DenseArray, error) {
		if i >= len(dates) {
			return nil, io.EOF
		}
		f, ff, err := ncfFromTemplate(fileTemplate, dateFormat, dates[i])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := readFunc(varName, ff, 0)
		if err != nil {
			return nil, err
		}
		if msgChan != nil {
			fileName := strings.Replace(fileTemplate, "[DATE]", dates[i].Format(dateFormat), -1)
			msgChan <- fmt.Sprintf("Read %s for %s from %s", varName, dates[i].Format(inDateFormat), fileName)
		}
		i++
		return data, err
	}
}

// nextDataStackNCF returns a function that sequentially retrieves gridded
// scenes for the specified variable from a single NetCDF archive file in
// which the scenes for all observation dates are stacked along the record
// dimension.
func nextDataStackNCF(fileName string, varName string, nDates int, msgChan chan string) NextData {
	var i int
	return func() (*sparse.DenseArray, error) {
		if i >= nDates {
			return nil, io.EOF
		}
		f, err := os.Open(fileName)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		ff, err := cdf.Open(f)
		if err != nil {
			return nil, err
		}
		data, err := readNCF(varName, ff, i)
		if err != nil {
			return nil, err
		}
		i++
		if i == nDates && msgChan != nil {
			msgChan <- fmt.Sprintf("Read %d records of %s from %s", i, varName, fileName)
		}
		return data, err
	}
}

// nextDataScale returns a wrapper around inFunc that multiplies each
// scene by the given factor.
func nextDataScale(inFunc NextData, factor float64) NextData {
	return func() (*sparse.DenseArray, error) {
		data, err := inFunc()
		if err != nil {
			return nil, err
		}
		out := sparse.ZerosDense(data.Shape...)
		for i, val := range data.Elements {
			out.Elements[i] = val * factor
		}
		return out, nil
	}
}

// readNCFFunc is a function that can read information from a
// NetCDF file.
type readNCFFunc func(varName string, file *cdf.File, index int) (*sparse.DenseArray, error)

// readNCF reads variable varName out of netcdf file ff at the
// record index specified by index.
func readNCF(varName string, ff *cdf.File, index int) (*sparse.DenseArray, error) {
	dims := ff.Header.Lengths(varName)
	if len(dims) == 0 {
		return nil, fmt.Errorf("vegmap: ingest read netcdf: variable %v not in file", varName)
	}
	dims = dims[1:]
	nread := 1
	for _, dim := range dims {
		nread *= dim
	}
	start, end := make([]int, len(dims)+1), make([]int, len(dims)+1)
	start[0], end[0] = index, index+1
	r := ff.Reader(varName, start, end)
	buf := r.Zero(nread)
	_, err := r.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("vegmap: ingest read netcdf variable %s: %v", varName, err)
	}
	data := sparse.ZerosDense(dims...)
	for i, val := range buf.([]float32) {
		data.Elements[i] = float64(val)
	}
	return data, nil
}

// readNCFNoRecord reads variable varName out of netcdf file ff,
// ignoring the record index.
func readNCFNoRecord(varName string, ff *cdf.File, _ int) (*sparse.DenseArray, error) {
	dims := ff.Header.Lengths(varName)
	if len(dims) == 0 {
		return nil, fmt.Errorf("vegmap: ingest read netcdf: variable %v not in file", varName)
	} else if dims[0] == 0 {
		dims = dims[1:]
	}
	r := ff.Reader(varName, nil, nil)
	buf := r.Zero(-1)
	_, err := r.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("vegmap: ingest read netcdf variable %s: %v", varName, err)
	}
	data := sparse.ZerosDense(dims...)
	for i, val := range buf.([]float32) {
		data.Elements[i] = float64(val)
	}
	return data, nil
}

// ncfFromTemplate opens a NetCDF file from the given template, where
// the [DATE] wildcard in the given fileTemplate is replaced by the given
// date, formatted as the given dateFormat.
func ncfFromTemplate(fileTemplate, dateFormat string, date time.Time) (*os.File, *cdf.File, error) {
	d := date.Format(dateFormat)
	file := strings.Replace(fileTemplate, "[DATE]", d, -1)
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, nil, err
	}
	return f, ff, err
}
