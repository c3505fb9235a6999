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
	"io"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/ctessum/sparse"
)

// testSource is a SceneSource that serves scenes from memory.
type testSource struct {
	nx, ny int
	dates  []time.Time
	index  [][]float64 // one flattened ny x nx scene per observation date
	qa     [][]float64
	name   string
	units  string
}

func (s *testSource) Nx() (int, error)   { return s.nx, nil }
func (s *testSource) Ny() (int, error)   { return s.ny, nil }
func (s *testSource) Index() NextData    { return nextTestData(s.ny, s.nx, s.index) }
func (s *testSource) QA() NextData       { return nextTestData(s.ny, s.nx, s.qa) }
func (s *testSource) IndexName() string  { return s.name }
func (s *testSource) IndexUnits() string { return s.units }
func (s *testSource) Dates() []time.Time { return s.dates }

func nextTestData(ny, nx int, scenes [][]float64) NextData {
	var i int
	return func() (*sparse.DenseArray, error) {
		if i >= len(scenes) {
			return nil, io.EOF
		}
		data := sparse.ZerosDense(ny, nx)
		copy(data.Elements, scenes[i])
		i++
		return data, nil
	}
}

func newTestSource() *testSource {
	start := time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &testSource{
		nx: 2, ny: 2,
		dates: []time.Time{
			start,
			start.AddDate(0, 0, 5),
			start.AddDate(0, 0, 16),
		},
		index: [][]float64{
			{0.2, 0.4, 0.6, 0.8},
			{0.4, 0.6, 0.8, 1.0},
			{0.1, 0.2, 0.3, 0.4},
		},
		qa: [][]float64{
			{1, 1, 1, 0},
			{1, 0, 1, 1},
			{0, 1, 1, 1},
		},
		name:  "NDVI",
		units: "-",
	}
}

func TestCompositePeriods(t *testing.T) {
	start := time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	dates := []time.Time{
		start,
		start.AddDate(0, 0, 5),
		start.AddDate(0, 0, 16),
		start.AddDate(0, 0, 47),
		start.AddDate(0, 0, 80),
	}

	// A period of zero days turns every observation into its own layer.
	periodOf, starts, err := compositePeriods(dates, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(periodOf, []int{0, 1, 2, 3, 4}) {
		t.Errorf("zero-day period map: have %v", periodOf)
	}
	if !reflect.DeepEqual(starts, dates) {
		t.Errorf("zero-day period starts: want %v but have %v", dates, starts)
	}

	// 16-day periods; the periods between day 48 and day 80 hold no
	// observations and are skipped.
	periodOf, starts, err = compositePeriods(dates, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(periodOf, []int{0, 0, 1, 2, 3}) {
		t.Errorf("16-day period map: have %v", periodOf)
	}
	wantStarts := []time.Time{
		start,
		start.AddDate(0, 0, 16),
		start.AddDate(0, 0, 32),
		start.AddDate(0, 0, 80),
	}
	if len(starts) != len(wantStarts) {
		t.Fatalf("16-day period starts: want %d but have %d", len(wantStarts), len(starts))
	}
	for i, w := range wantStarts {
		if !starts[i].Equal(w) {
			t.Errorf("period %d start: want %v but have %v", i, w, starts[i])
		}
	}

	_, _, err = compositePeriods([]time.Time{start, start}, 16)
	if err == nil {
		t.Fatal("repeated observation dates should cause an error")
	}
	want := "vegmap: ingest: observation dates must be strictly increasing but date 1 (20190101) is not after date 0 (20190101)"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}
}

func TestMaskMissing(t *testing.T) {
	data := nextTestData(2, 2, [][]float64{{1, 2, 3, 4}})
	mask := nextTestData(2, 2, [][]float64{{1, 0, 1, 0}})
	masked := maskMissing(data, mask)
	scene, err := masked()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, math.NaN(), 3, math.NaN()}
	for i, w := range want {
		h := scene.Elements[i]
		if math.IsNaN(w) != math.IsNaN(h) || (!math.IsNaN(w) && w != h) {
			t.Errorf("element %d: want %g but have %g", i, w, h)
		}
	}
	if _, err := masked(); err != io.EOF {
		t.Errorf("want io.EOF after the last scene but have %v", err)
	}

	// The mask series runs out before the index series.
	data = nextTestData(2, 2, [][]float64{{1, 2, 3, 4}, {1, 2, 3, 4}})
	mask = nextTestData(2, 2, [][]float64{{1, 1, 1, 1}})
	masked = maskMissing(data, mask)
	if _, err := masked(); err != nil {
		t.Fatal(err)
	}
	_, err = masked()
	if err == nil {
		t.Fatal("a quality mask series that ends early should cause an error")
	}
	wantErr := "vegmap: ingest: quality mask series ended before the index series"
	if err.Error() != wantErr {
		t.Errorf("want error `%s` but have `%s`", wantErr, err.Error())
	}

	// The mask and the scene have different sizes.
	data = nextTestData(2, 2, [][]float64{{1, 2, 3, 4}})
	mask = nextTestData(1, 2, [][]float64{{1, 1}})
	masked = maskMissing(data, mask)
	_, err = masked()
	if err == nil {
		t.Fatal("a size mismatch between mask and scene should cause an error")
	}
	wantErr = "vegmap: ingest: quality mask has 2 cells but the scene has 4 cells"
	if err.Error() != wantErr {
		t.Errorf("want error `%s` but have `%s`", wantErr, err.Error())
	}
}

func TestComposite(t *testing.T) {
	nan := math.NaN()
	scenes := [][]float64{
		{1, nan, 3, nan},
		{3, 2, nan, nan},
		{5, 6, 7, 8},
	}
	periodOf := []int{0, 0, 1}

	mean, err := composite(nextTestData(2, 2, scenes), periodOf, 2, "mean")
	if err != nil {
		t.Fatal(err)
	}
	wantMean := []float64{2, 2, 3, nan, 5, 6, 7, 8}
	for i, w := range wantMean {
		h := mean.Elements[i]
		if math.IsNaN(w) != math.IsNaN(h) || (!math.IsNaN(w) && w != h) {
			t.Errorf("mean element %d: want %g but have %g", i, w, h)
		}
	}

	max, err := composite(nextTestData(2, 2, scenes), periodOf, 2, "max")
	if err != nil {
		t.Fatal(err)
	}
	wantMax := []float64{3, 2, 3, nan, 5, 6, 7, 8}
	for i, w := range wantMax {
		h := max.Elements[i]
		if math.IsNaN(w) != math.IsNaN(h) || (!math.IsNaN(w) && w != h) {
			t.Errorf("max element %d: want %g but have %g", i, w, h)
		}
	}

	// The source runs out before the observation dates do.
	_, err = composite(nextTestData(2, 2, scenes[:2]), periodOf, 2, "mean")
	if err == nil {
		t.Fatal("missing scenes should cause an error")
	}
	want := "vegmap: ingest: read 2 scenes but 3 observation dates are listed"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}

	// The source returns more scenes than observation dates.
	_, err = composite(nextTestData(2, 2, scenes), periodOf[:2], 1, "mean")
	if err == nil {
		t.Fatal("extra scenes should cause an error")
	}
	want = "vegmap: ingest: source returned more scenes than observation dates (2)"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}

	// The grid size changes partway through the series.
	varying := func() NextData {
		var i int
		shapes := [][2]int{{2, 2}, {1, 3}}
		return func() (*sparse.DenseArray, error) {
			if i >= len(shapes) {
				return nil, io.EOF
			}
			data := sparse.ZerosDense(shapes[i][0], shapes[i][1])
			i++
			return data, nil
		}
	}
	_, err = composite(varying(), periodOf, 2, "mean")
	if err == nil {
		t.Fatal("a grid size change should cause an error")
	}
	want = "vegmap: ingest: scene 1 is 3 x 1 but earlier scenes are 2 x 2"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}
}

func TestValidCount(t *testing.T) {
	nan := math.NaN()
	scenes := [][]float64{
		{1, nan, 3, nan},
		{3, 2, nan, nan},
		{5, 6, 7, 8},
	}
	count, err := validCount(nextTestData(2, 2, scenes))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{3, 2, 2, 1}
	if !reflect.DeepEqual(count.Elements, want) {
		t.Errorf("want observation counts %v but have %v", want, count.Elements)
	}
}

func TestIngest(t *testing.T) {
	source := newTestSource()
	cfg := &IngestConfig{
		X0: -1000, Y0: -1000,
		Dx: 1000, Dy: 1000,
		CompositePeriod: 16,
	}
	data, err := Ingest(source, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if data.nx != 2 || data.ny != 2 {
		t.Errorf("want a 2 x 2 grid but have %d x %d", data.nx, data.ny)
	}
	if data.xo != -1000 || data.yo != -1000 || data.dx != 1000 || data.dy != 1000 {
		t.Errorf("grid georeferencing does not match the configuration: %+v", data)
	}
	wantDates := []time.Time{source.dates[0], source.dates[2]}
	if data.NT() != len(wantDates) {
		t.Fatalf("want %d time layers but have %d", len(wantDates), data.NT())
	}
	for i, w := range wantDates {
		if !data.Dates()[i].Equal(w) {
			t.Errorf("date %d: want %v but have %v", i, w, data.Dates()[i])
		}
	}

	v, ok := data.Data["NDVI"]
	if !ok {
		t.Fatal("the ingested scene has no NDVI variable")
	}
	if !reflect.DeepEqual(v.Dims, []string{"t", "y", "x"}) {
		t.Errorf("want dimensions [t y x] but have %v", v.Dims)
	}
	wantDesc := "NDVI composited over 16-day periods (mean)"
	if v.Description != wantDesc {
		t.Errorf("want description `%s` but have `%s`", wantDesc, v.Description)
	}
	if v.Units != "-" {
		t.Errorf("want units `-` but have `%s`", v.Units)
	}

	nan := math.NaN()
	wantIndex := []float64{
		0.3, 0.4, 0.7, 1.0, // mean of the first two observations
		nan, 0.2, 0.3, 0.4, // the third observation alone
	}
	for i, w := range wantIndex {
		h := v.Data.Elements[i]
		if math.IsNaN(w) {
			if !math.IsNaN(h) {
				t.Errorf("NDVI element %d: want NaN but have %g", i, h)
			}
			continue
		}
		if different(h, w, 1.e-10) {
			t.Errorf("NDVI element %d: want %g but have %g", i, w, h)
		}
	}

	nobs, ok := data.Data["NObs"]
	if !ok {
		t.Fatal("the ingested scene has no NObs variable")
	}
	wantObs := []float64{2, 2, 3, 2}
	if !reflect.DeepEqual(nobs.Data.Elements, wantObs) {
		t.Errorf("want observation counts %v but have %v", wantObs, nobs.Data.Elements)
	}

	// The maximum-value composite keeps the largest usable observation
	// in each period.
	source = newTestSource()
	cfg.CompositeMethod = "max"
	data, err = Ingest(source, cfg)
	if err != nil {
		t.Fatal(err)
	}
	v = data.Data["NDVI"]
	wantMax := []float64{0.4, 0.4, 0.8, 1.0, nan, 0.2, 0.3, 0.4}
	for i, w := range wantMax {
		h := v.Data.Elements[i]
		if math.IsNaN(w) {
			if !math.IsNaN(h) {
				t.Errorf("maximum NDVI element %d: want NaN but have %g", i, h)
			}
			continue
		}
		if different(h, w, 1.e-10) {
			t.Errorf("maximum NDVI element %d: want %g but have %g", i, w, h)
		}
	}
}

func TestIngestGridMismatch(t *testing.T) {
	source := newTestSource()
	source.nx = 3
	cfg := &IngestConfig{Dx: 1000, Dy: 1000, CompositePeriod: 16}
	_, err := Ingest(source, cfg)
	if err == nil {
		t.Fatal("a grid size mismatch should cause an error")
	}
	want := "vegmap: ingest: composited scenes are 2 x 2 but the source reports a 3 x 2 grid"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}
}

func TestIngestConfigValid(t *testing.T) {
	tests := []struct {
		cfg  IngestConfig
		want string
	}{
		{
			cfg:  IngestConfig{Dy: 1000},
			want: "vegmap: ingest: grid cell lengths dx=0 and dy=1000 must both be positive",
		},
		{
			cfg:  IngestConfig{Dx: 1000, Dy: 1000, CompositeMethod: "median"},
			want: "vegmap: ingest: composite method must be `mean` or `max` but is `median`",
		},
		{
			cfg:  IngestConfig{Dx: 1000, Dy: 1000, CompositePeriod: -1},
			want: "vegmap: ingest: composite period must not be negative but is -1",
		},
	}
	for _, test := range tests {
		err := test.cfg.valid()
		if err == nil {
			t.Errorf("configuration %+v should be invalid", test.cfg)
			continue
		}
		if err.Error() != test.want {
			t.Errorf("want error `%s` but have `%s`", test.want, err.Error())
		}
	}

	source := newTestSource()
	source.dates = nil
	_, err := Ingest(source, &IngestConfig{Dx: 1000, Dy: 1000})
	if err == nil {
		t.Fatal("a source with no observation dates should cause an error")
	}
	want := "vegmap: ingest: source provides no observation dates"
	if err.Error() != want {
		t.Errorf("want error `%s` but have `%s`", want, err.Error())
	}
}
