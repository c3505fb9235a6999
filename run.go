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
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"
)

// ResetLabels clears cluster assignment information from all of the
// grid cells so the model can be re-classified with new settings.
func ResetLabels() DomainManipulator {
	return func(d *VegMap) error {
		for _, c := range d.Cells() {
			c.Label = 0
			c.Dist = 0
			c.Features = c.Profile
		}
		d.centroids = nil
		d.inertia = 0
		d.Done = false
		return nil
	}
}

// Calculations returns a function that concurrently runs a series of
// calculations on all of the model grid cells.
func Calculations(calculators ...CellManipulator) DomainManipulator {

	nprocs := runtime.GOMAXPROCS(0) // number of processors
	var wg sync.WaitGroup

	return func(d *VegMap) error {
		cells := d.Cells()
		// Concurrently run all of the calculators on all of the cells.
		wg.Add(nprocs)
		for pp := 0; pp < nprocs; pp++ {
			go func(pp int) {
				var c *Cell
				for ii := pp; ii < len(cells); ii += nprocs {
					c = cells[ii]
					c.mutex.Lock() // Lock the cell to avoid race conditions
					for _, f := range calculators {
						f(c)
					}
					c.mutex.Unlock() // Unlock the cell: we're done editing it
				}
				wg.Done()
			}(pp)
		}
		wg.Wait()
		return nil
	}
}

// SimulationStatus holds information about the progress of a model
// run.
type SimulationStatus struct {
	// Iteration is the number of completed cluster iterations.
	Iteration int
	// Walltime is the time elapsed since the run started.
	Walltime time.Duration
	// IterTime is the time the last iteration took.
	IterTime time.Duration
	// Inertia is the total within-cluster sum of squared distances.
	Inertia float64
}

func (s SimulationStatus) String() string {
	return fmt.Sprintf("Iteration %-4d  walltime=%6.3gh  Δwalltime=%4.2gs  inertia=%.6g",
		s.Iteration, s.Walltime.Hours(), s.IterTime.Seconds(), s.Inertia)
}

// Log returns a function that writes simulation status messages to w.
func Log(w io.Writer) DomainManipulator {
	startTime := time.Now()
	timeStepTime := time.Now()

	iteration := 0

	return func(d *VegMap) error {
		iteration++
		fmt.Fprintln(w, SimulationStatus{
			Iteration: iteration,
			Walltime:  time.Since(startTime),
			IterTime:  time.Since(timeStepTime),
			Inertia:   d.inertia,
		})
		timeStepTime = time.Now()
		return nil
	}
}
