/*
Copyright © 2018 the VegMAP authors.
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
	"math"
	"runtime"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// GridConfig is a holder for the configuration information for creating
// the analysis grid.
type GridConfig struct {
	// GridProj gives projection info for the scene grid in Proj4 format.
	GridProj string

	// MaskShapefile is the path to an optional shapefile of polygons
	// that the analysis should be clipped to. Cells that do not overlap
	// any of the polygons are excluded from the analysis. If
	// MaskShapefile is empty, all valid cells are included.
	MaskShapefile string

	// IndexVariable is the name of the scene stack variable holding the
	// vegetation index to be classified. If it is empty, the stack must
	// contain exactly one time-resolved variable, which is used.
	IndexVariable string
}

func (config *GridConfig) webMapTrans() (t proj.Transformer, notMeters bool, err error) {

	// webMapProj is the spatial reference definition for web mapping.
	const webMapProj = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"
	// webMapSR is the spatial reference for web mapping.
	webMapSR, err := proj.Parse(webMapProj)
	if err != nil {
		return nil, false, fmt.Errorf("vegmap: while parsing webMapProj: %v", err)
	}

	gridSR, err := proj.Parse(config.GridProj)
	if err != nil {
		return nil, false, fmt.Errorf("vegmap: while parsing GridProj: %v", err)
	}
	webMapTrans, err := gridSR.NewTransform(webMapSR)
	if err != nil {
		return nil, false, fmt.Errorf("vegmap: while creating webMapTrans: %v", err)
	}
	if gridSR.ToMeter > 1.0000001 || gridSR.ToMeter < 0.999999 || gridSR.Name == "longlat" {
		notMeters = true
	}
	return webMapTrans, notMeters, nil
}

// loadMask loads the clip region polygons from the shapefile specified
// in config, converting them to the grid projection. It returns nil if
// no mask is configured.
func (config *GridConfig) loadMask() (*rtree.Rtree, error) {
	if config.MaskShapefile == "" {
		return nil, nil
	}
	maskshp, err := shp.NewDecoder(config.MaskShapefile)
	if err != nil {
		return nil, fmt.Errorf("vegmap: while opening MaskShapefile: %v", err)
	}
	defer maskshp.Close()
	masksr, err := maskshp.SR()
	if err != nil {
		return nil, fmt.Errorf("vegmap: while reading MaskShapefile projection: %v", err)
	}
	gridSR, err := proj.Parse(config.GridProj)
	if err != nil {
		return nil, fmt.Errorf("vegmap: while parsing GridProj: %v", err)
	}
	trans, err := masksr.NewTransform(gridSR)
	if err != nil {
		return nil, err
	}
	mask := rtree.NewTree(25, 50)
	n := 0
	for {
		g, _, more := maskshp.DecodeRowFields()
		if !more {
			break
		}
		gg, err := g.Transform(trans)
		if err != nil {
			return nil, err
		}
		poly, ok := gg.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("vegmap: mask shapefile must contain polygons but contains %T", gg)
		}
		mask.Insert(poly)
		n++
	}
	if err := maskshp.Error(); err != nil {
		return nil, fmt.Errorf("vegmap: while reading MaskShapefile: %v", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("vegmap: mask shapefile %s contains no shapes", config.MaskShapefile)
	}
	return mask, nil
}

// RegularGrid returns a function that creates the regular analysis grid
// from the given scene stack, with one cell for every raster cell that
// has a complete vegetation index time series. If a mask is configured,
// cells that do not overlap the mask are also excluded.
func (config *GridConfig) RegularGrid(data *SceneData) DomainManipulator {
	return func(d *VegMap) error {
		webMapTrans, notMeters, err := config.webMapTrans()
		if err != nil {
			return err
		}

		mask, err := config.loadMask()
		if err != nil {
			return err
		}

		varName := config.IndexVariable
		if varName == "" {
			varName, err = data.indexVariable()
			if err != nil {
				return err
			}
		}
		v, ok := data.Data[varName]
		if !ok {
			return fmt.Errorf("vegmap: scene stack has no variable %s; the available variables are %v",
				varName, data.variableNames())
		}
		if len(v.Dims) != 3 {
			return fmt.Errorf("vegmap: variable %s has dimensions %v but a time-resolved variable is required",
				varName, v.Dims)
		}
		stack := v.Data
		nt, ny, nx := stack.Shape[0], stack.Shape[1], stack.Shape[2]
		if nx != data.nx || ny != data.ny {
			return fmt.Errorf("vegmap: variable %s is %d x %d but the scene grid is %d x %d",
				varName, nx, ny, data.nx, data.ny)
		}
		if nt != len(data.dates) {
			return fmt.Errorf("vegmap: variable %s has %d time layers but %d dates are listed",
				varName, nt, len(data.dates))
		}

		d.Dates = data.dates
		d.IndexName = varName
		d.IndexUnits = v.Units
		d.Proj = config.GridProj
		d.nx, d.ny = nx, ny

		var nobs *sparse.DenseArray
		if nv, ok := data.Data["NObs"]; ok {
			nobs = nv.Data
		}

		// Iterate through the raster and collect the indices of cells
		// with complete time series.
		indices := make([][2]int, 0, ny*nx)
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				valid := true
				for t := 0; t < nt; t++ {
					if math.IsNaN(stack.Get(t, j, i)) {
						valid = false
						break
					}
				}
				if valid {
					indices = append(indices, [2]int{i, j})
				}
			}
		}
		if len(indices) == 0 {
			return fmt.Errorf("vegmap: no cell of variable %s has a complete time series", varName)
		}

		type cellErr struct {
			cell *Cell
			err  error
		}
		cellErrChan := make(chan cellErr, len(indices))
		cellIndexChan := make(chan int)
		nprocs := runtime.GOMAXPROCS(-1)

		for p := 0; p < nprocs; p++ {
			go func() {
				for i := range cellIndexChan {
					cell, err2 := createCell(data, stack, nobs, indices[i], mask, webMapTrans, notMeters)
					cellErrChan <- cellErr{cell: cell, err: err2}
				}
			}()
		}

		// Create the new cells.
		for i := 0; i < len(indices); i++ {
			cellIndexChan <- i
		}
		close(cellIndexChan)
		// Insert the new cells into d.
		for range indices {
			cellerr := <-cellErrChan
			if cellerr.err != nil {
				return cellerr.err
			}
			if cellerr.cell != nil { // cell is nil if it is outside of the mask.
				d.InsertCell(cellerr.cell)
			}
		}
		if d.cells.len() == 0 {
			return fmt.Errorf("vegmap: the mask %s excludes every valid cell", config.MaskShapefile)
		}
		return nil
	}
}

// variableNames returns the sorted names of the variables in d.
func (d *SceneData) variableNames() []string {
	names := make([]string, 0, len(d.Data))
	for n := range d.Data {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// cellGeometry returns the geometry of the cell with the given raster
// index.
func (d *SceneData) cellGeometry(index [2]int) geom.Polygonal {
	l := d.xo + float64(index[0])*d.dx
	b := d.yo + float64(index[1])*d.dy
	r := l + d.dx
	u := b + d.dy
	return &geom.Bounds{Min: geom.Point{X: l, Y: b}, Max: geom.Point{X: r, Y: u}}
}

// createCell creates a new grid cell for the given raster index and
// fills in its vegetation index profile and temporal summary values.
// If the cell does not overlap the mask, the returned cell is nil.
// notMeters should be set to true if the units of the grid are not
// in meters.
func createCell(data *SceneData, stack, nobs *sparse.DenseArray, index [2]int, mask *rtree.Rtree, webMapTrans proj.Transformer, notMeters bool) (*Cell, error) {

	cell := new(Cell)
	cell.Ix, cell.Iy = index[0], index[1]
	cell.Polygonal = data.cellGeometry(index)

	if mask != nil && !maskCovers(mask, cell.Polygonal) {
		return nil, nil
	}

	gg, err := cell.Polygonal.Transform(webMapTrans)
	if err != nil {
		return nil, err
	}
	cell.WebMapGeom = gg.(geom.Polygonal)

	var bounds *geom.Bounds
	if notMeters {
		bounds = cell.WebMapGeom.Bounds()
	} else {
		bounds = cell.Polygonal.Bounds()
	}
	cell.Dx = bounds.Max.X - bounds.Min.X
	cell.Dy = bounds.Max.Y - bounds.Min.Y
	cell.Area = cell.Dx * cell.Dy

	nt := stack.Shape[0]
	cell.Profile = make([]float64, nt)
	for t := 0; t < nt; t++ {
		cell.Profile[t] = stack.Get(t, cell.Iy, cell.Ix)
	}
	cell.Features = cell.Profile

	cell.IndexMean = stat.Mean(cell.Profile, nil)
	cell.IndexMin = floats.Min(cell.Profile)
	cell.IndexMax = floats.Max(cell.Profile)
	cell.IndexAmp = cell.IndexMax - cell.IndexMin
	if nt > 1 {
		cell.IndexStd = stat.StdDev(cell.Profile, nil)
	}

	if nobs != nil {
		cell.NObs = nobs.Get(cell.Iy, cell.Ix)
	} else {
		cell.NObs = float64(nt)
	}

	return cell, nil
}

// maskCovers reports whether p overlaps any of the polygons in mask.
func maskCovers(mask *rtree.Rtree, p geom.Polygonal) bool {
	for _, mI := range mask.SearchIntersect(p.Bounds()) {
		m := mI.(geom.Polygonal)
		if p.Intersection(m).Area() > 0 {
			return true
		}
	}
	return false
}
