package vegmap

import (
	"testing"

	"github.com/ctessum/geom"
)

// testCell returns a 1 x 1 cell at the given raster index, with the
// geometry matching the index so that neighbor relationships can be
// worked out.
func testCell(ix, iy int) *Cell {
	c := new(Cell)
	c.Ix, c.Iy = ix, iy
	c.Polygonal = &geom.Bounds{
		Min: geom.Point{X: float64(ix), Y: float64(iy)},
		Max: geom.Point{X: float64(ix + 1), Y: float64(iy + 1)},
	}
	c.Dx, c.Dy = 1, 1
	return c
}

func TestSetNeighbors(t *testing.T) {
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	cells := make(map[[2]int]*Cell)
	// Insert in an arbitrary order to make sure the reciprocal links
	// do not depend on it.
	order := [][2]int{
		{1, 1}, {0, 0}, {2, 2}, {1, 0}, {0, 2}, {2, 0}, {0, 1}, {2, 1}, {1, 2},
	}
	for _, ij := range order {
		c := testCell(ij[0], ij[1])
		cells[ij] = c
		d.InsertCell(c)
	}

	middle := cells[[2]int{1, 1}]
	if len(middle.neighbors()) != 4 {
		t.Errorf("middle cell: want 4 neighbors but have %d", len(middle.neighbors()))
	}
	if len(middle.west) != 1 || middle.west[0] != cells[[2]int{0, 1}] {
		t.Error("middle cell has the wrong western neighbor")
	}
	if len(middle.east) != 1 || middle.east[0] != cells[[2]int{2, 1}] {
		t.Error("middle cell has the wrong eastern neighbor")
	}
	if len(middle.south) != 1 || middle.south[0] != cells[[2]int{1, 0}] {
		t.Error("middle cell has the wrong southern neighbor")
	}
	if len(middle.north) != 1 || middle.north[0] != cells[[2]int{1, 2}] {
		t.Error("middle cell has the wrong northern neighbor")
	}

	corner := cells[[2]int{0, 0}]
	if len(corner.neighbors()) != 2 {
		t.Errorf("corner cell: want 2 neighbors but have %d", len(corner.neighbors()))
	}
	if len(corner.west) != 0 || len(corner.south) != 0 {
		t.Error("the southwest corner should have no western or southern neighbors")
	}

	edge := cells[[2]int{1, 0}]
	if len(edge.neighbors()) != 3 {
		t.Errorf("edge cell: want 3 neighbors but have %d", len(edge.neighbors()))
	}

	// Diagonal cells are not neighbors.
	for _, n := range corner.neighbors() {
		if n == middle {
			t.Error("diagonal cells should not be neighbors")
		}
	}

	// The links are reciprocal.
	for _, c := range cells {
		for _, w := range c.west {
			found := false
			for _, e := range w.east {
				if e == c {
					found = true
				}
			}
			if !found {
				t.Errorf("cell (%d, %d) is missing a reciprocal eastern link", w.Ix, w.Iy)
			}
		}
		for _, s := range c.south {
			found := false
			for _, n := range s.north {
				if n == c {
					found = true
				}
			}
			if !found {
				t.Errorf("cell (%d, %d) is missing a reciprocal northern link", s.Ix, s.Iy)
			}
		}
	}
}
