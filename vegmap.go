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

// Package vegmap provides an unsupervised land cover classification
// model that groups the cells of a multi-temporal satellite vegetation
// index raster into classes with similar seasonal behavior.
package vegmap

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// Version gives the version number of this version of the model.
const Version = "0.3.1"

// VegMap holds the current state of the model.
type VegMap struct {
	// InitFuncs are functions to be called in the given order
	// at the beginning of the classification.
	InitFuncs []DomainManipulator

	// RunFuncs are functions to be called in the given order repeatedly
	// until "Done" is true.
	RunFuncs []DomainManipulator

	// CleanupFuncs are functions to be run in the given order after the
	// classification has converged.
	CleanupFuncs []DomainManipulator

	// Done specifies whether the classification is finished.
	Done bool

	// Dates are the composite period start dates of the time layers in
	// the scene stack being classified.
	Dates []time.Time

	// IndexName and IndexUnits describe the vegetation index
	// being classified.
	IndexName  string
	IndexUnits string

	// Proj is the spatial reference definition of the grid in
	// Proj4 format.
	Proj string

	nx, ny int

	// centroids holds the current cluster centers in feature space,
	// one row of length len(Dates) per cluster.
	centroids [][]float64

	// inertia is the sum over all cells of the squared distance to the
	// assigned cluster center, as of the most recent convergence check.
	inertia float64

	cells *cellList
	index *rtree.Rtree
}

// Cell holds the state of a single grid cell.
type Cell struct {
	geom.Polygonal                // Cell geometry
	WebMapGeom     geom.Polygonal // Cell geometry in web map (mercator) coordinate system

	Ix int // x (column) index of this cell in the scene raster
	Iy int // y (row) index of this cell in the scene raster

	// Profile is the vegetation index time series for this cell,
	// one value per time layer.
	Profile []float64

	// Features is the version of Profile that clustering operates
	// on; it equals Profile unless standardization is enabled.
	Features []float64

	IndexMean float64 `desc:"Mean vegetation index over the time series" units:"index units"`
	IndexMin  float64 `desc:"Minimum vegetation index over the time series" units:"index units"`
	IndexMax  float64 `desc:"Maximum vegetation index over the time series" units:"index units"`
	IndexAmp  float64 `desc:"Seasonal amplitude (maximum minus minimum)" units:"index units"`
	IndexStd  float64 `desc:"Standard deviation of the vegetation index" units:"index units"`
	NObs      float64 `desc:"Number of usable satellite observations" units:"count"`

	Label float64 `desc:"Assigned cluster label" units:"category"`
	Dist  float64 `desc:"Distance to the assigned cluster center" units:"feature space distance"`

	Dx   float64 // Cell edge length in the x direction
	Dy   float64 // Cell edge length in the y direction
	Area float64 `desc:"Cell area" units:"m²"`

	west  []*Cell // Neighbors to the West
	east  []*Cell // Neighbors to the East
	south []*Cell // Neighbors to the South
	north []*Cell // Neighbors to the North

	mutex sync.RWMutex // Avoid cell being written by one subroutine and read by another at the same time.
}

// DomainManipulator is a class of functions that operate on the entire
// model domain.
type DomainManipulator func(d *VegMap) error

// CellManipulator is a class of functions that operate on a single grid
// cell.
type CellManipulator func(c *Cell)

func (d *VegMap) init() {
	d.cells = new(cellList)
	d.index = rtree.NewTree(25, 50)
}

// Init initializes the model by running d.InitFuncs.
func (d *VegMap) Init() error {
	d.init()
	for _, f := range d.InitFuncs {
		if err := f(d); err != nil {
			return err
		}
	}
	return nil
}

// Run repeatedly runs d.RunFuncs until d.Done is true.
func (d *VegMap) Run() error {
	for !d.Done {
		for _, f := range d.RunFuncs {
			if err := f(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup finishes the classification by running d.CleanupFuncs.
func (d *VegMap) Cleanup() error {
	for _, f := range d.CleanupFuncs {
		if err := f(d); err != nil {
			return err
		}
	}
	return nil
}

// Cells returns the cells in d, in a deterministic row-major order.
func (d *VegMap) Cells() []*Cell {
	return d.cells.array()
}

// Centroids returns the current cluster centers, one row of
// length len(d.Dates) per cluster. The result must not be modified
// by the caller.
func (d *VegMap) Centroids() [][]float64 { return d.centroids }

// Inertia returns the sum over all cells of the squared distance to
// the assigned cluster center, as of the most recent convergence
// check.
func (d *VegMap) Inertia() float64 { return d.inertia }

// InsertCell adds a new cell to the grid. The function will take the
// necessary steps to fit the new cell in with existing cells, but it
// is the caller's responsibility that the new cell doesn't overlap any
// existing cells.
func (d *VegMap) InsertCell(c *Cell) {
	if d.index == nil {
		d.init()
	}
	if c.Ix >= d.nx {
		d.nx = c.Ix + 1
	}
	if c.Iy >= d.ny {
		d.ny = c.Iy + 1
	}
	d.cells.add(c)
	d.index.Insert(c)
	d.setNeighbors(c)
}

// AddCells adds the given cells to the grid.
func (d *VegMap) AddCells(cells ...*Cell) {
	for _, c := range cells {
		d.InsertCell(c)
	}
}

// toArray converts cell data for the given variable into a regular
// array in Cells() order.
func (d *VegMap) toArray(varName string) []float64 {
	o := make([]float64, d.cells.len())
	for i, c := range *d.cells {
		c.mutex.RLock()
		o[i] = c.getValue(varName)
		c.mutex.RUnlock()
	}
	return o
}

// getValue returns the value in the receiver of the specified variable.
// Variable names of the form T0, T1, ... refer to individual time
// layers of the cell profile; all other names refer to cell fields.
func (c *Cell) getValue(varName string) float64 {
	if t, ok := profileLayer(varName); ok {
		if t < len(c.Profile) {
			return c.Profile[t]
		}
		return math.NaN()
	}
	val := reflect.Indirect(reflect.ValueOf(c))
	return val.FieldByName(varName).Float()
}

// getUnits returns the units of the given variable.
func (d *VegMap) getUnits(varName string) string {
	if _, ok := profileLayer(varName); ok {
		return d.IndexUnits
	}
	t := reflect.TypeOf(Cell{})
	ftype, ok := t.FieldByName(varName)
	if ok {
		return ftype.Tag.Get("units")
	}
	panic(fmt.Sprintf("vegmap: unknown variable %v", varName))
}

// OutputOptions returns the names of the variables that can be
// included in classification output, along with a description and the
// units of each. The options are the tagged Cell fields plus one
// variable per time layer of the vegetation index profile (T0, T1,
// ...).
func (d *VegMap) OutputOptions() (names []string, descriptions []string, units []string) {
	v := reflect.TypeOf(Cell{})
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		desc := f.Tag.Get("desc")
		if desc == "" {
			continue
		}
		names = append(names, f.Name)
		descriptions = append(descriptions, desc)
		units = append(units, f.Tag.Get("units"))
	}
	for t, date := range d.Dates {
		names = append(names, fmt.Sprintf("T%d", t))
		descriptions = append(descriptions, fmt.Sprintf("%s for the period beginning %s",
			d.IndexName, date.Format("2006-01-02")))
		units = append(units, d.IndexUnits)
	}
	return names, descriptions, units
}

// profileLayer reports whether varName names a time layer of the cell
// profiles (T0, T1, ...), and if so which one.
func profileLayer(varName string) (int, bool) {
	if len(varName) < 2 || varName[0] != 'T' {
		return 0, false
	}
	t, err := strconv.Atoi(varName[1:])
	if err != nil || t < 0 {
		return 0, false
	}
	return t, true
}

// GetGeometry returns the cell geometry, in web mercator coordinates
// if webMap is true and in the native grid projection otherwise.
func (d *VegMap) GetGeometry(webMap bool) []geom.Polygonal {
	o := make([]geom.Polygonal, d.cells.len())
	for i, c := range *d.cells {
		if webMap {
			o[i] = c.WebMapGeom
		} else {
			o[i] = c.Polygonal
		}
	}
	return o
}
