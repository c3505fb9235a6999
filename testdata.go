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
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ctessum/sparse"
)

// TestGridProj is the spatial reference of the test scene grid.
const TestGridProj = "+proj=lcc +lat_1=33.000000 +lat_2=45.000000 +lat_0=40.000000 +lon_0=-97.000000 +x_0=0 +y_0=0 +a=6370997.000000 +b=6370997.000000 +to_meter=1"

// TestGridSR is the spatial reference of the test scene grid in WKT
// format, for writing shapefile .prj files.
const TestGridSR = `PROJCS["Lambert_Conformal_Conic_2SP",GEOGCS["GCS_unnamed ellipse",DATUM["D_unknown",SPHEROID["Unknown",6370997,0]],PRIMEM["Greenwich",0],UNIT["Degree",0.017453292519943295]],PROJECTION["Lambert_Conformal_Conic_2SP"],PARAMETER["standard_parallel_1",33],PARAMETER["standard_parallel_2",45],PARAMETER["latitude_of_origin",40],PARAMETER["central_meridian",-97],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["Meter",1]]`

// TestMaskFilename is the name of the temporary mask shapefile used
// in tests.
const TestMaskFilename = "testMask.shp"

// TestOutputFilename is the name of the temporary file that test
// results are written to.
const TestOutputFilename = "testOutput.shp"

// DeleteShapefile deletes the named shapefile and the associated
// files that go along with it.
func DeleteShapefile(fname string) error {
	base := strings.TrimSuffix(fname, filepath.Ext(fname))
	for _, ext := range []string{".dbf", ".prj", ".shp", ".shx"} {
		if err := os.Remove(base + ext); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SceneTestData returns a grid configuration and a small scene stack
// for use in tests: a 4 x 5 raster of 16-day LAI composites with 6
// time layers. The southern three rows hold a seasonal vegetation
// profile and the northern two rows a flat near-zero water profile, so
// the scene separates cleanly into two clusters. Three cells have
// incomplete time series: (1, 1) and (3, 0) are each missing one
// observation, and (2, 4) is missing all of them, leaving 17 cells
// with usable data.
func SceneTestData() (*GridConfig, *SceneData) {
	const (
		nx = 4
		ny = 5
		nt = 6
	)

	cfg := &GridConfig{
		GridProj: TestGridProj,
	}

	data := &SceneData{
		xo: -2000,
		yo: -2000,
		dx: 1000,
		dy: 1000,
		nx: nx,
		ny: ny,
	}
	start := time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	data.dates = make([]time.Time, nt)
	for t := 0; t < nt; t++ {
		data.dates[t] = start.AddDate(0, 0, t*16)
	}

	vegProfile := []float64{0.8, 1.6, 2.9, 3.4, 2.1, 1.0}
	waterProfile := []float64{0.05, 0.04, 0.06, 0.05, 0.05, 0.04}

	lai := sparse.ZerosDense(nt, ny, nx)
	nobs := sparse.ZerosDense(ny, nx)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			profile := vegProfile
			if j >= 3 {
				profile = waterProfile
			}
			jitter := float64(j*nx+i) * 0.001
			for t := 0; t < nt; t++ {
				lai.Set(profile[t]+jitter, t, j, i)
			}
			nobs.Set(nt, j, i)
		}
	}

	// Cells with incomplete time series.
	lai.Set(math.NaN(), 2, 1, 1)
	nobs.Set(nt-1, 1, 1)
	lai.Set(math.NaN(), 0, 0, 3)
	nobs.Set(nt-1, 0, 3)
	for t := 0; t < nt; t++ {
		lai.Set(math.NaN(), t, 4, 2)
	}
	nobs.Set(0, 4, 2)

	data.AddVariable("LAI", []string{"t", "y", "x"},
		"LAI composited over 16-day periods (mean)", "m2 m-2", lai)
	data.AddVariable("NObs", []string{"y", "x"},
		"Number of usable observations", "count", nobs)

	return cfg, data
}
