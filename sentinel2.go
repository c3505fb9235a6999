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
	"time"

	"github.com/ctessum/sparse"
)

// Sentinel-2 variables currently used:
/* B04, B08, SCL */

const sentinel2Format = "20060102"

const (
	// sentinel2ReflectanceScale converts stored band values to
	// surface reflectance [fraction].
	sentinel2ReflectanceScale = 1.0e-4

	sentinel2RedVar = "B04"
	sentinel2NIRVar = "B08"
	sentinel2SCLVar = "SCL"
)

// Sentinel2 is a VegMAP scene source that computes NDVI from
// Sentinel-2 L2A surface reflectance scenes that have been converted
// to NetCDF, with all variables stored as float32.
type Sentinel2 struct {
	start, end time.Time

	revisit time.Duration

	dates []time.Time

	sceneFiles string

	msgChan chan string
}

// NewSentinel2 initializes a Sentinel-2 scene source from the given
// configuration information.
// sceneFiles is the location of the scene files; [DATE] should be
// used as a wild card for the acquisition date.
// startDate and endDate are the beginning and end of the period of
// interest, respectively, in the format "YYYYMMDD". startDate must
// fall on an acquisition date; subsequent acquisitions are assumed
// to follow at the constellation's five day revisit interval.
// If msgChan is not nil, status messages will be sent to it.
func NewSentinel2(sceneFiles, startDate, endDate string, msgChan chan string) (*Sentinel2, error) {
	s := Sentinel2{
		sceneFiles: sceneFiles,
		msgChan:    msgChan,
	}

	var err error
	s.start, err = time.Parse(inDateFormat, startDate)
	if err != nil {
		return nil, fmt.Errorf("vegmap: Sentinel-2 scene source start time: %v", err)
	}
	s.end, err = time.Parse(inDateFormat, endDate)
	if err != nil {
		return nil, fmt.Errorf("vegmap: Sentinel-2 scene source end time: %v", err)
	}
	if !s.end.After(s.start) {
		return nil, fmt.Errorf("vegmap: Sentinel-2 scene source end time %v is not after start time %v", s.end, s.start)
	}

	s.revisit, err = time.ParseDuration("120h")
	if err != nil {
		return nil, fmt.Errorf("vegmap: Sentinel-2 scene source revisit interval: %v", err)
	}

	for d := s.start; d.Before(s.end); d = d.Add(s.revisit) {
		s.dates = append(s.dates, d)
	}
	return &s, nil
}

func (s *Sentinel2) read(varName string) NextData {
	return nextDataNCF(s.sceneFiles, sentinel2Format, varName, s.dates, readNCFNoRecord, s.msgChan)
}

// Nx helps fulfill the SceneSource interface by returning
// the number of grid cells in the West-East direction.
func (s *Sentinel2) Nx() (int, error) {
	dims, err := s.gridDims()
	if err != nil {
		return -1, fmt.Errorf("nx: %v", err)
	}
	return dims[len(dims)-1], nil
}

// Ny helps fulfill the SceneSource interface by returning
// the number of grid cells in the South-North direction.
func (s *Sentinel2) Ny() (int, error) {
	dims, err := s.gridDims()
	if err != nil {
		return -1, fmt.Errorf("ny: %v", err)
	}
	return dims[len(dims)-2], nil
}

func (s *Sentinel2) gridDims() ([]int, error) {
	if len(s.dates) == 0 {
		return nil, fmt.Errorf("vegmap: no Sentinel-2 acquisition dates between %v and %v", s.start, s.end)
	}
	f, ff, err := ncfFromTemplate(s.sceneFiles, sentinel2Format, s.dates[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dims := ff.Header.Lengths(sentinel2RedVar)
	if len(dims) < 2 {
		return nil, fmt.Errorf("vegmap: Sentinel-2 variable %s has %d dimensions but at least 2 are required", sentinel2RedVar, len(dims))
	}
	return dims, nil
}

// Index helps fulfill the SceneSource interface by returning the
// normalized difference vegetation index computed from the near
// infrared and red surface reflectance bands.
func (s *Sentinel2) Index() NextData {
	return normalizedDifference(
		nextDataScale(s.read(sentinel2NIRVar), sentinel2ReflectanceScale),
		nextDataScale(s.read(sentinel2RedVar), sentinel2ReflectanceScale))
}

// QA helps fulfill the SceneSource interface by returning masks that
// reject pixels whose scene classification is cloud shadow (3),
// cloud of medium (8) or high (9) probability, or thin cirrus (10).
func (s *Sentinel2) QA() NextData {
	return sentinel2SCLConvert(s.read(sentinel2SCLVar))
}

// IndexName helps fulfill the SceneSource interface.
func (s *Sentinel2) IndexName() string { return "NDVI" }

// IndexUnits helps fulfill the SceneSource interface.
func (s *Sentinel2) IndexUnits() string { return "-" }

// Dates helps fulfill the SceneSource interface by returning the
// acquisition dates within the period of interest.
func (s *Sentinel2) Dates() []time.Time { return s.dates }

// normalizedDifference returns a function that computes the
// normalized difference (a-b)/(a+b) of the scenes produced by the two
// given functions. Where the denominator is zero the result is NaN
// rather than infinite, and the pixel is treated as missing.
func normalizedDifference(aFunc, bFunc NextData) NextData {
	return func() (*sparse.DenseArray, error) {
		a, err := aFunc()
		if err != nil {
			return nil, err
		}
		b, err := bFunc()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("vegmap: ingest: band series ended before its pair")
			}
			return nil, err
		}
		if len(b.Elements) != len(a.Elements) {
			return nil, fmt.Errorf("vegmap: ingest: bands have mismatched sizes %d and %d",
				len(a.Elements), len(b.Elements))
		}
		out := sparse.ZerosDense(a.Shape...)
		for i, av := range a.Elements {
			bv := b.Elements[i]
			if av+bv == 0 {
				out.Elements[i] = math.NaN()
			} else {
				out.Elements[i] = (av - bv) / (av + bv)
			}
		}
		return out, nil
	}
}

// sentinel2SCLConvert converts scene classification layers to
// usability masks.
func sentinel2SCLConvert(sclFunc NextData) NextData {
	return func() (*sparse.DenseArray, error) {
		scl, err := sclFunc()
		if err != nil {
			return nil, err
		}
		out := sparse.ZerosDense(scl.Shape...)
		for i, val := range scl.Elements {
			switch int(val) {
			case 3, 8, 9, 10:
				// rejected classes
			default:
				out.Elements[i] = 1
			}
		}
		return out, nil
	}
}
