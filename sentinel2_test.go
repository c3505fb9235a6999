/*
Copyright © 2020 the VegMAP authors.
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
	"strings"
	"testing"
	"time"
)

func TestNewSentinel2Errors(t *testing.T) {
	_, err := NewSentinel2("f.ncf", "notadate", "20190101", nil)
	if err == nil || !strings.HasPrefix(err.Error(), "vegmap: Sentinel-2 scene source start time:") {
		t.Errorf("unexpected start time error: %v", err)
	}
	_, err = NewSentinel2("f.ncf", "20190101", "notadate", nil)
	if err == nil || !strings.HasPrefix(err.Error(), "vegmap: Sentinel-2 scene source end time:") {
		t.Errorf("unexpected end time error: %v", err)
	}
	_, err = NewSentinel2("f.ncf", "20190102", "20190101", nil)
	if err == nil {
		t.Fatal("a reversed period should cause an error")
	}
	want := "vegmap: Sentinel-2 scene source end time 2019-01-01 00:00:00 +0000 UTC " +
		"is not after start time 2019-01-02 00:00:00 +0000 UTC"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}

func TestSentinel2Dates(t *testing.T) {
	s, err := NewSentinel2("s_[DATE].ncf", "20190101", "20190131", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Acquisitions follow every five days from the start date; the
	// end date is exclusive.
	dates := s.Dates()
	if len(dates) != 6 {
		t.Fatalf("want 6 acquisition dates but have %v", dates)
	}
	for i, d := range dates {
		want := time.Date(2019, time.January, 1+5*i, 0, 0, 0, 0, time.UTC)
		if !d.Equal(want) {
			t.Errorf("date %d: want %v but have %v", i, want, d)
		}
	}

	s, err = NewSentinel2("s_[DATE].ncf", "20190101", "20190102", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Dates()) != 1 {
		t.Errorf("want 1 acquisition date but have %v", s.Dates())
	}

	if s.IndexName() != "NDVI" {
		t.Errorf("want index NDVI but have %s", s.IndexName())
	}
	if s.IndexUnits() != "-" {
		t.Errorf("want units '-' but have '%s'", s.IndexUnits())
	}
}

func TestNormalizedDifference(t *testing.T) {
	const tol = 1.e-9

	next := normalizedDifference(
		nextTestData(1, 4, [][]float64{{0.8, 0.5, 0, 0.6}}),
		nextTestData(1, 4, [][]float64{{0.2, 0.5, 0, 0.3}}))
	out, err := next()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.6, 0, math.NaN(), 1. / 3.}
	for i, w := range want {
		have := out.Elements[i]
		if math.IsNaN(w) {
			if !math.IsNaN(have) {
				t.Errorf("element %d: want NaN but have %g", i, have)
			}
		} else if different(have, w, tol) {
			t.Errorf("element %d: want %g but have %g", i, w, have)
		}
	}
	if _, err := next(); err != io.EOF {
		t.Errorf("want io.EOF but have %v", err)
	}
}

func TestNormalizedDifferenceErrors(t *testing.T) {
	// One band has fewer scenes than its pair.
	next := normalizedDifference(
		nextTestData(1, 2, [][]float64{{1, 1}, {2, 2}}),
		nextTestData(1, 2, [][]float64{{1, 1}}))
	if _, err := next(); err != nil {
		t.Fatal(err)
	}
	_, err := next()
	if err == nil {
		t.Fatal("a short band series should cause an error")
	}
	want := "vegmap: ingest: band series ended before its pair"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}

	// The bands have different grid sizes.
	next = normalizedDifference(
		nextTestData(1, 4, [][]float64{{1, 1, 1, 1}}),
		nextTestData(1, 2, [][]float64{{1, 1}}))
	_, err = next()
	if err == nil {
		t.Fatal("mismatched band sizes should cause an error")
	}
	want = "vegmap: ingest: bands have mismatched sizes 4 and 2"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}

func TestSentinel2SCL(t *testing.T) {
	// Classes 3 (cloud shadow), 8 and 9 (cloud) and 10 (cirrus) are
	// rejected.
	next := sentinel2SCLConvert(
		nextTestData(1, 12, [][]float64{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}}))
	out, err := next()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 1, 1, 0, 1, 1, 1, 1, 0, 0, 0, 1}
	if !reflect.DeepEqual(out.Elements, want) {
		t.Errorf("have %v, want %v", out.Elements, want)
	}
}

func TestSentinel2Index(t *testing.T) {
	const tol = 1.e-9

	// The index pipeline scales the stored band values to reflectance
	// before computing the normalized difference.
	next := normalizedDifference(
		nextDataScale(nextTestData(1, 2, [][]float64{{8000, 0}}), sentinel2ReflectanceScale),
		nextDataScale(nextTestData(1, 2, [][]float64{{2000, 0}}), sentinel2ReflectanceScale))
	out, err := next()
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Elements[0]; different(v, 0.6, tol) {
		t.Errorf("want 0.6 but have %g", v)
	}
	if v := out.Elements[1]; !math.IsNaN(v) {
		t.Errorf("want NaN but have %g", v)
	}
}
