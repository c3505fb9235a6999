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
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCalculations(t *testing.T) {
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	for iy := 0; iy < 3; iy++ {
		for ix := 0; ix < 4; ix++ {
			d.AddCells(testCell(ix, iy))
		}
	}

	m := Calculations(
		func(c *Cell) { c.Label = 1 },
		func(c *Cell) { c.Dist = c.Label + float64(c.Ix+c.Iy) },
	)
	if err := m(d); err != nil {
		t.Fatal(err)
	}
	for _, c := range d.Cells() {
		if c.Label != 1 {
			t.Errorf("cell (%d, %d): label is %g", c.Ix, c.Iy, c.Label)
		}
		// The calculators run in order within each cell, so Dist
		// includes the label set by the first one.
		if want := 1 + float64(c.Ix+c.Iy); c.Dist != want {
			t.Errorf("cell (%d, %d): want distance %g but have %g", c.Ix, c.Iy, want, c.Dist)
		}
	}
}

func TestResetLabels(t *testing.T) {
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.AddCells(testCell(0, 0), testCell(1, 0))
	for i, c := range d.Cells() {
		c.Profile = []float64{float64(i), float64(i + 1)}
		c.Features = []float64{100, 200}
		c.Label = float64(i + 1)
		c.Dist = 3.5
	}
	d.centroids = [][]float64{{0, 0}}
	d.inertia = 7
	d.Done = true

	if err := ResetLabels()(d); err != nil {
		t.Fatal(err)
	}
	for _, c := range d.Cells() {
		if c.Label != 0 || c.Dist != 0 {
			t.Errorf("cell (%d, %d): label %g and distance %g were not cleared", c.Ix, c.Iy, c.Label, c.Dist)
		}
		if !reflect.DeepEqual(c.Features, c.Profile) {
			t.Errorf("cell (%d, %d): features %v were not reset to the profile %v", c.Ix, c.Iy, c.Features, c.Profile)
		}
	}
	if d.centroids != nil {
		t.Error("the cluster centers were not cleared")
	}
	if d.Inertia() != 0 {
		t.Errorf("inertia is %g", d.Inertia())
	}
	if d.Done {
		t.Error("the model should not be marked as finished")
	}
}

func TestSimulationStatusString(t *testing.T) {
	tests := []struct {
		s    SimulationStatus
		want string
	}{
		{
			s: SimulationStatus{
				Iteration: 3,
				Walltime:  90 * time.Minute,
				IterTime:  1500 * time.Millisecond,
				Inertia:   0.0123456,
			},
			want: "Iteration 3     walltime=   1.5h  Δwalltime= 1.5s  inertia=0.0123456",
		},
		{
			s: SimulationStatus{
				Iteration: 25,
				Walltime:  2*time.Hour + 24*time.Minute,
				IterTime:  36 * time.Second,
				Inertia:   1234.5678,
			},
			want: "Iteration 25    walltime=   2.4h  Δwalltime=  36s  inertia=1234.57",
		},
	}
	for _, test := range tests {
		if s := test.s.String(); s != test.want {
			t.Errorf("have '%s', want '%s'", s, test.want)
		}
	}
}

func TestLog(t *testing.T) {
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.inertia = 42

	b := new(bytes.Buffer)
	m := Log(b)
	for i := 0; i < 2; i++ {
		if err := m(d); err != nil {
			t.Fatal(err)
		}
	}
	out := b.String()
	if n := strings.Count(out, "\n"); n != 2 {
		t.Errorf("want 2 log lines but have %d: %s", n, out)
	}
	for _, want := range []string{"Iteration 1", "Iteration 2", "inertia=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output '%s' is missing '%s'", out, want)
		}
	}
}
