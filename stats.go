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
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/unit"
	"github.com/tealeg/xlsx"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ClusterSummary describes a classified domain on a per-cluster basis.
type ClusterSummary struct {
	// IndexName and IndexUnits describe the vegetation index the
	// classification is based on.
	IndexName  string
	IndexUnits string

	// Dates are the composite period start dates of the time layers.
	Dates []time.Time

	Clusters []*ClusterInfo
}

// ClusterInfo describes a single cluster.
type ClusterInfo struct {
	// Label is the cluster index.
	Label int

	// Name is a descriptive class name, filled in by DescribeClusters.
	Name string

	// Count is the number of member cells.
	Count int

	// Area is the total area of the member cells.
	Area *unit.Unit

	// MeanProfile is the average vegetation index time series of the
	// member cells.
	MeanProfile []float64

	// Amplitude is the seasonal range of MeanProfile.
	Amplitude float64

	// Inertia is the within-cluster sum of squared feature distances,
	// and InertiaShare is its fraction of the domain total.
	Inertia      float64
	InertiaShare float64
}

// Summary aggregates the classified cells into per-cluster statistics.
func (d *VegMap) Summary() *ClusterSummary {
	k := len(d.centroids)
	s := &ClusterSummary{
		IndexName:  d.IndexName,
		IndexUnits: d.IndexUnits,
		Dates:      d.Dates,
		Clusters:   make([]*ClusterInfo, k),
	}
	nt := len(d.Dates)
	for i := range s.Clusters {
		s.Clusters[i] = &ClusterInfo{
			Label:       i,
			Area:        unit.New(0, unit.Meter2),
			MeanProfile: make([]float64, nt),
		}
	}
	var totalInertia float64
	for _, c := range d.Cells() {
		l := int(c.Label)
		if l < 0 || l >= k {
			continue
		}
		info := s.Clusters[l]
		info.Count++
		info.Area.Add(unit.New(c.Area, unit.Meter2))
		floats.Add(info.MeanProfile, c.Profile)
		info.Inertia += c.Dist
		totalInertia += c.Dist
	}
	for _, info := range s.Clusters {
		if info.Count > 0 {
			floats.Scale(1/float64(info.Count), info.MeanProfile)
		}
		info.Amplitude = floats.Max(info.MeanProfile) - floats.Min(info.MeanProfile)
		if totalInertia > 0 {
			info.InertiaShare = info.Inertia / totalInertia
		}
	}
	return s
}

// DescribeClusters attaches a descriptive class name to each cluster
// in s. The names are guessed from the shapes of the mean seasonal
// profiles. If namesFile is not empty, it must be a TOML file mapping
// cluster labels to names, which override the guesses, for example:
//
//	0 = "open water"
//	3 = "irrigated cropland"
func (s *ClusterSummary) DescribeClusters(namesFile string) error {
	var maxMean float64
	means := make([]float64, len(s.Clusters))
	for i, info := range s.Clusters {
		means[i] = stat.Mean(info.MeanProfile, nil)
		maxMean = math.Max(maxMean, means[i])
	}
	for i, info := range s.Clusters {
		info.Name = classifyProfile(info.MeanProfile, means[i], info.Amplitude, maxMean)
	}

	if namesFile == "" {
		return nil
	}
	f, err := os.Open(namesFile)
	if err != nil {
		return fmt.Errorf("vegmap: opening cluster names file: %v", err)
	}
	defer f.Close()
	names := make(map[string]string)
	if _, err := toml.DecodeReader(f, &names); err != nil {
		return fmt.Errorf("vegmap: reading cluster names file: %v", err)
	}
	for label, name := range names {
		l, err := strconv.Atoi(label)
		if err != nil {
			return fmt.Errorf("vegmap: cluster names file: the label '%s' is not an integer", label)
		}
		if l < 0 || l >= len(s.Clusters) {
			return fmt.Errorf("vegmap: cluster names file: there is no cluster %d", l)
		}
		s.Clusters[l].Name = name
	}
	return nil
}

// classifyProfile guesses a land cover class from the shape of a mean
// seasonal vegetation index profile. The thresholds are relative to
// the highest cluster mean so the guesses work for both leaf area
// index and normalized difference indexes.
func classifyProfile(profile []float64, mean, amplitude, maxMean float64) string {
	if maxMean <= 0 {
		return "no vegetation"
	}
	switch rel := mean / maxMean; {
	case rel < 0.05:
		return "water or no vegetation"
	case rel < 0.3:
		return "sparse vegetation"
	}
	if amplitude < 0.25*mean {
		return "evergreen vegetation"
	}
	// Count the time layers in the upper half of the seasonal range to
	// separate short-peaked cropland from broad-peaked deciduous cover.
	low := floats.Min(profile)
	half := low + (floats.Max(profile)-low)/2
	peak := 0
	for _, v := range profile {
		if v > half {
			peak++
		}
	}
	if peak*4 <= len(profile) {
		return "cropland"
	}
	return "deciduous vegetation"
}

// Write writes the summary to w as a text table, with areas reported
// in square kilometers.
func (s *ClusterSummary) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-8s %-24s %9s %12s %11s %9s\n",
		"Cluster", "Name", "Cells", "Area [km²]", "Amplitude", "Inertia"); err != nil {
		return err
	}
	for _, info := range s.Clusters {
		if _, err := fmt.Fprintf(w, "%-8d %-24s %9d %12.1f %11.3g %8.1f%%\n",
			info.Label, info.Name, info.Count, info.Area.Value()/1.0e6,
			info.Amplitude, info.InertiaShare*100); err != nil {
			return err
		}
	}
	return nil
}

// WriteXLSX writes the summary to a spreadsheet at the given path,
// with one sheet of per-cluster statistics and one sheet of mean
// seasonal profiles.
func (s *ClusterSummary) WriteXLSX(fileName string) error {
	f := xlsx.NewFile()
	clusters, err := f.AddSheet("Clusters")
	if err != nil {
		return fmt.Errorf("vegmap: creating summary spreadsheet: %v", err)
	}
	header := clusters.AddRow()
	for _, h := range []string{"Cluster", "Name", "Cells", "Area (km²)", "Amplitude", "Inertia share"} {
		header.AddCell().SetString(h)
	}
	for _, info := range s.Clusters {
		row := clusters.AddRow()
		row.AddCell().SetInt(info.Label)
		row.AddCell().SetString(info.Name)
		row.AddCell().SetInt(info.Count)
		row.AddCell().SetFloat(info.Area.Value() / 1.0e6)
		row.AddCell().SetFloat(info.Amplitude)
		row.AddCell().SetFloat(info.InertiaShare)
	}

	profiles, err := f.AddSheet("Mean profiles")
	if err != nil {
		return fmt.Errorf("vegmap: creating summary spreadsheet: %v", err)
	}
	header = profiles.AddRow()
	header.AddCell().SetString("Cluster")
	for _, date := range s.Dates {
		header.AddCell().SetString(date.Format("2006-01-02"))
	}
	for _, info := range s.Clusters {
		row := profiles.AddRow()
		row.AddCell().SetInt(info.Label)
		for _, v := range info.MeanProfile {
			row.AddCell().SetFloat(v)
		}
	}

	if err := f.Save(fileName); err != nil {
		return fmt.Errorf("vegmap: saving summary spreadsheet: %v", err)
	}
	return nil
}
