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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ctessum/sparse"
)

// MODIS variables currently used:
/* Lai_500m, FparLai_QC */

// modisFormat matches the AYYYYDDD acquisition tag in MODIS product
// file names, e.g. MOD15A2H.A2019185.h11v05.006.nc.
const modisFormat = "A2006002"

const (
	modisLaiVar = "Lai_500m"
	modisQCVar  = "FparLai_QC"

	// modisLaiScale converts the stored integer LAI values
	// to leaf area index [m2 m-2].
	modisLaiScale = 0.1

	// modisLaiFill is the lowest stored value that represents a fill
	// class rather than a retrieval (water, barren, snow, cloud).
	// Valid retrievals are in [0, 100] before scaling.
	modisLaiFill = 100.
)

// MODIS is a VegMAP scene source for MOD15A2H-style leaf area index
// composites that have been converted to NetCDF, with all variables
// stored as float32.
type MODIS struct {
	start, end time.Time

	dates []time.Time

	sceneFiles string

	msgChan chan string
}

// NewMODIS initializes a MODIS LAI scene source from the given
// configuration information.
// sceneFiles is the location of the scene files; [DATE] should be
// used as a wild card for the composite start date. If the template
// contains no wild card, it is treated as a single archive file with
// the composites stacked along the record dimension.
// startDate and endDate are the beginning and end of the
// period of interest, respectively, in the format "YYYYMMDD".
// If msgChan is not nil, status messages will be sent to it.
func NewMODIS(sceneFiles, startDate, endDate string, msgChan chan string) (*MODIS, error) {
	m := MODIS{
		sceneFiles: sceneFiles,
		msgChan:    msgChan,
	}

	var err error
	m.start, err = time.Parse(inDateFormat, startDate)
	if err != nil {
		return nil, fmt.Errorf("vegmap: MODIS scene source start time: %v", err)
	}
	m.end, err = time.Parse(inDateFormat, endDate)
	if err != nil {
		return nil, fmt.Errorf("vegmap: MODIS scene source end time: %v", err)
	}
	if !m.end.After(m.start) {
		return nil, fmt.Errorf("vegmap: MODIS scene source end time %v is not after start time %v", m.end, m.start)
	}

	m.dates = modisCompositeDates(m.start, m.end)
	return &m, nil
}

// modisCompositeDates returns the start dates of the 8-day MODIS
// composite periods within [start, end). The composite calendar
// restarts on the first of January every year, so the final composite
// of each year is shorter than eight days.
func modisCompositeDates(start, end time.Time) []time.Time {
	var dates []time.Time
	for y := start.Year(); y <= end.Year(); y++ {
		for doy := 1; doy <= 361; doy += 8 {
			d := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1)
			if !d.Before(start) && d.Before(end) {
				dates = append(dates, d)
			}
		}
	}
	return dates
}

func (m *MODIS) read(varName string) NextData {
	if strings.Contains(m.sceneFiles, "[DATE]") {
		return nextDataNCF(m.sceneFiles, modisFormat, varName, m.dates, readNCFNoRecord, m.msgChan)
	}
	return nextDataStackNCF(m.sceneFiles, varName, len(m.dates), m.msgChan)
}

// Nx helps fulfill the SceneSource interface by returning
// the number of grid cells in the West-East direction.
func (m *MODIS) Nx() (int, error) {
	dims, err := m.gridDims()
	if err != nil {
		return -1, fmt.Errorf("nx: %v", err)
	}
	return dims[len(dims)-1], nil
}

// Ny helps fulfill the SceneSource interface by returning
// the number of grid cells in the South-North direction.
func (m *MODIS) Ny() (int, error) {
	dims, err := m.gridDims()
	if err != nil {
		return -1, fmt.Errorf("ny: %v", err)
	}
	return dims[len(dims)-2], nil
}

func (m *MODIS) gridDims() ([]int, error) {
	if len(m.dates) == 0 {
		return nil, fmt.Errorf("vegmap: no MODIS composite dates between %v and %v", m.start, m.end)
	}
	f, ff, err := ncfFromTemplate(m.sceneFiles, modisFormat, m.dates[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dims := ff.Header.Lengths(modisLaiVar)
	if len(dims) < 2 {
		return nil, fmt.Errorf("vegmap: MODIS variable %s has %d dimensions but at least 2 are required", modisLaiVar, len(dims))
	}
	return dims, nil
}

// Index helps fulfill the SceneSource interface by returning
// leaf area index [m2 m-2], with fill classes replaced by NaN.
func (m *MODIS) Index() NextData {
	return nextDataScale(modisLaiFillConvert(m.read(modisLaiVar)), modisLaiScale)
}

// QA helps fulfill the SceneSource interface by returning masks that
// reject retrievals where bit 0 of the FparLai_QC quality word is
// set, which marks pixels where the main radiative transfer
// algorithm failed.
func (m *MODIS) QA() NextData {
	return modisQualityConvert(m.read(modisQCVar))
}

// IndexName helps fulfill the SceneSource interface.
func (m *MODIS) IndexName() string { return "LAI" }

// IndexUnits helps fulfill the SceneSource interface.
func (m *MODIS) IndexUnits() string { return "m2 m-2" }

// Dates helps fulfill the SceneSource interface by returning the
// composite period start dates within the period of interest.
func (m *MODIS) Dates() []time.Time { return m.dates }

// modisLaiFillConvert replaces stored LAI fill classes with NaN.
func modisLaiFillConvert(laiFunc NextData) NextData {
	return func() (*sparse.DenseArray, error) {
		data, err := laiFunc()
		if err != nil {
			return nil, err
		}
		out := sparse.ZerosDense(data.Shape...)
		for i, val := range data.Elements {
			if val > modisLaiFill {
				out.Elements[i] = math.NaN()
			} else {
				out.Elements[i] = val
			}
		}
		return out, nil
	}
}

// modisQualityConvert converts FparLai_QC quality words to usability
// masks.
func modisQualityConvert(qcFunc NextData) NextData {
	return func() (*sparse.DenseArray, error) {
		qc, err := qcFunc()
		if err != nil {
			return nil, err
		}
		out := sparse.ZerosDense(qc.Shape...)
		for i, val := range qc.Elements {
			if int(val)&1 == 0 {
				out.Elements[i] = 1
			}
		}
		return out, nil
	}
}
