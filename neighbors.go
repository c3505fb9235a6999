/*
Copyright © 2017 the VegMAP authors.
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
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// setNeighbors finds the rook neighbors of c among the cells already
// in the grid and creates reciprocal links to and from them. Cells at
// the edge of the domain, or next to cells excluded by a mask, simply
// have fewer neighbors.
func (d *VegMap) setNeighbors(c *Cell) {
	b := c.Bounds()
	bboxOffset := math.Min(c.Dx, c.Dy) * 1.e-10

	westbox := newRect(b.Min.X-2*bboxOffset, b.Min.Y+bboxOffset,
		b.Min.X-bboxOffset, b.Max.Y-bboxOffset)
	c.west = getCells(d.index, westbox)
	for _, w := range c.west {
		w.east = append(w.east, c)
	}

	eastbox := newRect(b.Max.X+bboxOffset, b.Min.Y+bboxOffset,
		b.Max.X+2*bboxOffset, b.Max.Y-bboxOffset)
	c.east = getCells(d.index, eastbox)
	for _, e := range c.east {
		e.west = append(e.west, c)
	}

	southbox := newRect(b.Min.X+bboxOffset, b.Min.Y-2*bboxOffset,
		b.Max.X-bboxOffset, b.Min.Y-bboxOffset)
	c.south = getCells(d.index, southbox)
	for _, s := range c.south {
		s.north = append(s.north, c)
	}

	northbox := newRect(b.Min.X+bboxOffset, b.Max.Y+bboxOffset,
		b.Max.X-bboxOffset, b.Max.Y+2*bboxOffset)
	c.north = getCells(d.index, northbox)
	for _, n := range c.north {
		n.south = append(n.south, c)
	}
}

// neighbors returns the rook neighbors of c.
func (c *Cell) neighbors() []*Cell {
	o := make([]*Cell, 0, len(c.west)+len(c.east)+len(c.south)+len(c.north))
	o = append(o, c.west...)
	o = append(o, c.east...)
	o = append(o, c.south...)
	o = append(o, c.north...)
	return o
}

func getCells(index *rtree.Rtree, box *geom.Bounds) []*Cell {
	x := index.SearchIntersect(box)
	cells := make([]*Cell, 0, len(x))
	for _, xx := range x {
		cells = append(cells, xx.(*Cell))
	}
	return cells
}

func newRect(xmin, ymin, xmax, ymax float64) *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: xmin, Y: ymin},
		Max: geom.Point{X: xmax, Y: ymax},
	}
}
