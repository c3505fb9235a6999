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
	"bytes"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/unit"
	"github.com/tealeg/xlsx"
)

// classifyTestDomain runs the clustering pipeline on the test scene
// so the summary statistics can be checked against known values.
func classifyTestDomain(t *testing.T) *VegMap {
	cfg, data := SceneTestData()
	cluster := &ClusterConfig{
		Clusters:  2,
		Seed:      1,
		MaxIter:   50,
		Tolerance: 1.e-9,
	}
	d := new(VegMap)
	d.InitFuncs = []DomainManipulator{
		cfg.RegularGrid(data),
		cluster.SeedCentroids(),
	}
	d.RunFuncs = []DomainManipulator{
		Calculations(AssignClusters(d)),
		cluster.UpdateCentroids(),
		cluster.ConvergenceCheck(nil),
	}
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSummary(t *testing.T) {
	const tol = 1.e-6

	d := classifyTestDomain(t)
	s := d.Summary()

	if s.IndexName != "LAI" || s.IndexUnits != "m2 m-2" {
		t.Errorf("want index LAI (m2 m-2) but have %s (%s)", s.IndexName, s.IndexUnits)
	}
	if len(s.Dates) != 6 || !s.Dates[0].Equal(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected dates %v", s.Dates)
	}
	if len(s.Clusters) != 2 {
		t.Fatalf("want 2 clusters but have %d", len(s.Clusters))
	}

	veg, water := s.Clusters[0], s.Clusters[1]
	if veg.Count != 10 {
		veg, water = water, veg
	}
	if veg.Count != 10 || water.Count != 7 {
		t.Fatalf("want cluster sizes 10 and 7 but have %d and %d", veg.Count, water.Count)
	}

	if v := veg.Area.Value(); v != 1.0e7 {
		t.Errorf("want vegetation area 1e7 m² but have %g", v)
	}
	if v := water.Area.Value(); v != 7.0e6 {
		t.Errorf("want water area 7e6 m² but have %g", v)
	}

	wantVeg := []float64{0.8058, 1.6058, 2.9058, 3.4058, 2.1058, 1.0058}
	waterBase := []float64{0.05, 0.04, 0.06, 0.05, 0.05, 0.04}
	for i, v := range veg.MeanProfile {
		if different(v, wantVeg[i], tol) {
			t.Errorf("vegetation mean layer %d: want %g but have %g", i, wantVeg[i], v)
		}
		w := waterBase[i] + 0.106/7
		if different(water.MeanProfile[i], w, tol) {
			t.Errorf("water mean layer %d: want %g but have %g", i, w, water.MeanProfile[i])
		}
	}

	if different(veg.Amplitude, 2.6, tol) {
		t.Errorf("want vegetation amplitude 2.6 but have %g", veg.Amplitude)
	}
	if different(water.Amplitude, 0.02, tol) {
		t.Errorf("want water amplitude 0.02 but have %g", water.Amplitude)
	}

	wantVegInertia := 813.6e-6
	wantWaterInertia := 1708. / 49. * 6. * 1.e-6
	if different(veg.Inertia, wantVegInertia, tol) {
		t.Errorf("want vegetation inertia %g but have %g", wantVegInertia, veg.Inertia)
	}
	if different(water.Inertia, wantWaterInertia, tol) {
		t.Errorf("want water inertia %g but have %g", wantWaterInertia, water.Inertia)
	}
	wantShare := wantVegInertia / (wantVegInertia + wantWaterInertia)
	if different(veg.InertiaShare, wantShare, tol) {
		t.Errorf("want vegetation inertia share %g but have %g", wantShare, veg.InertiaShare)
	}
	if different(veg.InertiaShare+water.InertiaShare, 1, tol) {
		t.Errorf("the inertia shares sum to %g", veg.InertiaShare+water.InertiaShare)
	}

	// Cells with labels outside the cluster range are left out of the
	// statistics.
	d.Cells()[0].Label = 99
	s2 := d.Summary()
	if n := s2.Clusters[0].Count + s2.Clusters[1].Count; n != 16 {
		t.Errorf("want 16 labeled cells but have %d", n)
	}
}

func TestClassifyProfile(t *testing.T) {
	tests := []struct {
		profile         []float64
		mean, amplitude float64
		maxMean         float64
		want            string
	}{
		{
			profile: []float64{0, 0},
			maxMean: 0,
			want:    "no vegetation",
		},
		{
			profile: []float64{0.04, 0.04},
			mean:    0.04,
			maxMean: 1,
			want:    "water or no vegetation",
		},
		{
			profile: []float64{0.2, 0.2},
			mean:    0.2,
			maxMean: 1,
			want:    "sparse vegetation",
		},
		{
			profile:   []float64{0.9, 1.1},
			mean:      1,
			amplitude: 0.2,
			maxMean:   1,
			want:      "evergreen vegetation",
		},
		{
			// A single narrow peak.
			profile:   []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 1.0, 0.1},
			mean:      0.2125,
			amplitude: 0.9,
			maxMean:   0.2125,
			want:      "cropland",
		},
		{
			// A broad summer peak.
			profile:   []float64{0.2, 0.8, 0.9, 1.0, 0.9, 0.8, 0.3, 0.2},
			mean:      0.6375,
			amplitude: 0.8,
			maxMean:   0.6375,
			want:      "deciduous vegetation",
		},
	}
	for i, test := range tests {
		have := classifyProfile(test.profile, test.mean, test.amplitude, test.maxMean)
		if have != test.want {
			t.Errorf("test %d: want '%s' but have '%s'", i, test.want, have)
		}
	}
}

func TestDescribeClusters(t *testing.T) {
	newSummary := func() *ClusterSummary {
		return &ClusterSummary{
			Clusters: []*ClusterInfo{
				{Label: 0, MeanProfile: []float64{0.05, 0.05}},
				{Label: 1, MeanProfile: []float64{2.0, 2.1}, Amplitude: 0.1},
			},
		}
	}

	s := newSummary()
	if err := s.DescribeClusters(""); err != nil {
		t.Fatal(err)
	}
	if s.Clusters[0].Name != "water or no vegetation" {
		t.Errorf("cluster 0: have '%s'", s.Clusters[0].Name)
	}
	if s.Clusters[1].Name != "evergreen vegetation" {
		t.Errorf("cluster 1: have '%s'", s.Clusters[1].Name)
	}

	const namesFile = "testNames.toml"
	if err := ioutil.WriteFile(namesFile, []byte("0 = \"open water\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s = newSummary()
	if err := s.DescribeClusters(namesFile); err != nil {
		t.Fatal(err)
	}
	if s.Clusters[0].Name != "open water" {
		t.Errorf("cluster 0: the name file should override the guess but have '%s'", s.Clusters[0].Name)
	}
	if s.Clusters[1].Name != "evergreen vegetation" {
		t.Errorf("cluster 1: have '%s'", s.Clusters[1].Name)
	}

	tests := []struct {
		toml string
		err  string
	}{
		{
			toml: "x = \"nope\"\n",
			err:  "vegmap: cluster names file: the label 'x' is not an integer",
		},
		{
			toml: "7 = \"nope\"\n",
			err:  "vegmap: cluster names file: there is no cluster 7",
		},
	}
	for _, test := range tests {
		if err := ioutil.WriteFile(namesFile, []byte(test.toml), 0644); err != nil {
			t.Fatal(err)
		}
		err := newSummary().DescribeClusters(namesFile)
		if err == nil {
			t.Errorf("%s: want an error but have none", strings.TrimSpace(test.toml))
		} else if err.Error() != test.err {
			t.Errorf("have '%v', want '%s'", err, test.err)
		}
	}
	os.Remove(namesFile)

	if err := newSummary().DescribeClusters("nonexistent.toml"); err == nil {
		t.Error("a missing names file should cause an error")
	}
}

func testSummary() *ClusterSummary {
	return &ClusterSummary{
		IndexName:  "LAI",
		IndexUnits: "m2 m-2",
		Dates:      []time.Time{time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)},
		Clusters: []*ClusterInfo{
			{
				Label:        0,
				Name:         "open water",
				Count:        7,
				Area:         unit.New(7.0e6, unit.Meter2),
				MeanProfile:  []float64{0.05},
				Amplitude:    0.02,
				InertiaShare: 0.205,
			},
			{
				Label:        1,
				Name:         "cropland",
				Count:        10,
				Area:         unit.New(1.0e7, unit.Meter2),
				MeanProfile:  []float64{2.6},
				Amplitude:    2.6,
				InertiaShare: 0.795,
			},
		},
	}
}

func TestSummaryWrite(t *testing.T) {
	b := new(bytes.Buffer)
	if err := testSummary().Write(b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	if n := strings.Count(out, "\n"); n != 3 {
		t.Errorf("want 3 lines but have %d: %s", n, out)
	}
	if !strings.HasPrefix(out, "Cluster") {
		t.Errorf("unexpected header: %s", out)
	}
	for _, want := range []string{"Area [km²]", "open water", "cropland", "7.0", "10.0", "20.5%", "79.5%"} {
		if !strings.Contains(out, want) {
			t.Errorf("the summary table is missing '%s': %s", want, out)
		}
	}
}

func TestSummaryWriteXLSX(t *testing.T) {
	const fileName = "testSummary.xlsx"
	if err := testSummary().WriteXLSX(fileName); err != nil {
		t.Fatal(err)
	}

	f, err := xlsx.OpenFile(fileName)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Sheets) != 2 {
		t.Fatalf("want 2 sheets but have %d", len(f.Sheets))
	}

	clusters := f.Sheet["Clusters"]
	if clusters == nil {
		t.Fatal("the Clusters sheet is missing")
	}
	if len(clusters.Rows) != 3 {
		t.Fatalf("want 3 cluster rows but have %d", len(clusters.Rows))
	}
	if v := clusters.Rows[0].Cells[0].Value; v != "Cluster" {
		t.Errorf("unexpected header cell '%s'", v)
	}
	if v := clusters.Rows[1].Cells[1].Value; v != "open water" {
		t.Errorf("want cluster name 'open water' but have '%s'", v)
	}
	if v := clusters.Rows[1].Cells[2].Value; v != "7" {
		t.Errorf("want 7 cells but have '%s'", v)
	}
	area, err := strconv.ParseFloat(clusters.Rows[1].Cells[3].Value, 64)
	if err != nil {
		t.Error(err)
	}
	if area != 7 {
		t.Errorf("want an area of 7 km² but have %g", area)
	}

	profiles := f.Sheet["Mean profiles"]
	if profiles == nil {
		t.Fatal("the Mean profiles sheet is missing")
	}
	if len(profiles.Rows) != 3 {
		t.Fatalf("want 3 profile rows but have %d", len(profiles.Rows))
	}
	if v := profiles.Rows[0].Cells[1].Value; v != "2019-01-01" {
		t.Errorf("want a date header but have '%s'", v)
	}
	v, err := strconv.ParseFloat(profiles.Rows[1].Cells[1].Value, 64)
	if err != nil {
		t.Error(err)
	}
	if v != 0.05 {
		t.Errorf("want a mean of 0.05 but have %g", v)
	}

	os.Remove(fileName)
}
