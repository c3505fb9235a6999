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
	"sort"
)

// cellRef holds a cell within a cellList.
type cellRef struct {
	*Cell
}

// cellList is a list of cells, ordered row-major by raster index.
type cellList []*cellRef

func (l *cellList) len() int {
	return len(*l)
}

// array returns a sorted array of the cells in this list.
func (l *cellList) array() []*Cell {
	o := make([]*Cell, len(*l))
	for i, c := range *l {
		o[i] = c.Cell
	}
	return o
}

// add adds the cell to the list, keeping the list sorted.
func (l *cellList) add(c *Cell) *cellRef {
	cc := &cellRef{Cell: c}

	// Find the correct location to insert the cell
	i := sort.Search(len(*l), func(i int) bool {
		return c.before((*l)[i].Cell)
	})

	// Insert the cell.
	(*l) = append((*l), nil)
	copy((*l)[i+1:], (*l)[i:])
	(*l)[i] = cc

	return cc
}

// index returns the index of c and whether it was found.
func (l *cellList) index(c *Cell) (int, bool) {
	// Find the index where the cell should be.
	i := sort.Search(len(*l), func(i int) bool {
		return c.before((*l)[i].Cell)
	})
	if i >= len(*l) {
		return -1, false
	}
	if (*l)[i].Cell != c {
		return -1, false
	}
	return i, true
}

func (l *cellList) String() string {
	s := ""
	for i, c := range *l {
		if i != 0 {
			s += "\n"
		}
		s += fmt.Sprint(c.Cell)
	}
	return s
}

// before returns whether c should be sorted before c2.
func (c *Cell) before(c2 *Cell) bool {
	if c == c2 {
		return true
	}
	if c.Iy != c2.Iy {
		return c.Iy < c2.Iy
	}
	if c.Ix != c2.Ix {
		return c.Ix < c2.Ix
	}
	// We apparently have duplicate cells if we get to here.
	panic(fmt.Errorf("problem sorting: i: %v, j: %v", c, c2))
}
