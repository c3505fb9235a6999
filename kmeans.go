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
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ClusterConfig holds the settings for partitioning the grid cells
// into land cover classes.
type ClusterConfig struct {
	// Clusters is the number of land cover classes (k) to partition
	// the cells into.
	Clusters int

	// Seed initializes the random number generator. Runs with the same
	// seed and input data give identical results.
	Seed int64

	// MaxIter is the maximum number of cluster iterations to run
	// before giving up on convergence. Zero means no limit.
	MaxIter int

	// Tolerance is the relative change in total within-cluster
	// variance below which the iteration is considered converged.
	Tolerance float64

	// Standardize specifies whether the feature columns should be
	// scaled to zero mean and unit variance before clustering.
	Standardize bool

	// SmoothPasses is the number of majority-filter passes to run over
	// the labels after convergence. Zero disables smoothing.
	SmoothPasses int
}

func (config *ClusterConfig) valid(nCells int) error {
	if config.Clusters < 2 {
		return fmt.Errorf("vegmap: %d clusters are requested but at least 2 are required", config.Clusters)
	}
	if nCells < config.Clusters {
		return fmt.Errorf("vegmap: %d clusters are requested but the grid only has %d cells",
			config.Clusters, nCells)
	}
	return nil
}

// SeedCentroids returns a function that chooses the initial cluster
// centers from the cell features using the k-means++ method of Arthur
// and Vassilvitskii (2007): the first center is chosen uniformly at
// random and each following center is chosen with probability
// proportional to its squared distance from the nearest center already
// chosen. If config.Standardize is set, the cell features are first
// replaced with their column-standardized values so that the centers
// and the assignment distances share the same feature space.
func (config *ClusterConfig) SeedCentroids() DomainManipulator {
	return func(d *VegMap) error {
		cells := d.Cells()
		if err := config.valid(len(cells)); err != nil {
			return err
		}
		x := d.FeatureMatrix()
		if config.Standardize {
			var s Scaler
			xx, err := s.FitTransform(x)
			if err != nil {
				return err
			}
			x = xx
		}
		for i, c := range cells {
			c.Features = x.RawRowView(i)
		}
		rng := rand.New(rand.NewSource(config.Seed))
		d.centroids = seedPlusPlus(x, config.Clusters, rng)
		return nil
	}
}

func seedPlusPlus(x *mat.Dense, k int, rng *rand.Rand) [][]float64 {
	rows, _ := x.Dims()
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, copyRow(x, rng.Intn(rows)))

	// dist holds the squared distance from each row to the nearest
	// center chosen so far.
	dist := make([]float64, rows)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		var sum float64
		for i := 0; i < rows; i++ {
			if d2 := sqDist(x.RawRowView(i), last); d2 < dist[i] {
				dist[i] = d2
			}
			sum += dist[i]
		}
		var next int
		if sum > 0 {
			target := rng.Float64() * sum
			var cumulative float64
			next = rows - 1
			for i := 0; i < rows; i++ {
				cumulative += dist[i]
				if cumulative > target {
					next = i
					break
				}
			}
		} else {
			// Every row coincides with an existing center.
			next = rng.Intn(rows)
		}
		centroids = append(centroids, copyRow(x, next))
	}
	return centroids
}

func copyRow(x *mat.Dense, i int) []float64 {
	return append([]float64(nil), x.RawRowView(i)...)
}

// sqDist returns the squared Euclidean distance between a and b.
func sqDist(a, b []float64) float64 {
	var sum float64
	for i, av := range a {
		dd := av - b[i]
		sum += dd * dd
	}
	return sum
}

// AssignClusters returns a function that sets the label of a cell to
// the index of the nearest cluster center and records the squared
// Euclidean distance to it.
func AssignClusters(d *VegMap) CellManipulator {
	return func(c *Cell) {
		label, dist := nearestCentroid(c.Features, d.centroids)
		c.Label = float64(label)
		c.Dist = dist
	}
}

func nearestCentroid(features []float64, centroids [][]float64) (int, float64) {
	best := 0
	bestDist := math.Inf(1)
	for i, cent := range centroids {
		if d2 := sqDist(features, cent); d2 < bestDist {
			best, bestDist = i, d2
		}
	}
	return best, bestDist
}

// UpdateCentroids returns a function that moves each cluster center to
// the mean of the cells assigned to it. A center that has lost all of
// its cells is re-seeded to the cell farthest from its assigned
// center, so the number of clusters never silently shrinks.
func (config *ClusterConfig) UpdateCentroids() DomainManipulator {
	return func(d *VegMap) error {
		k := len(d.centroids)
		if k == 0 {
			return fmt.Errorf("vegmap: cluster centers have not been seeded")
		}
		cells := d.Cells()
		nFeatures := len(d.centroids[0])
		sums := make([][]float64, k)
		for i := range sums {
			sums[i] = make([]float64, nFeatures)
		}
		counts := make([]int, k)
		for _, c := range cells {
			l := int(c.Label)
			floats.Add(sums[l], c.Features)
			counts[l]++
		}
		for i, count := range counts {
			if count == 0 {
				d.centroids[i] = farthestFeatures(cells)
				continue
			}
			floats.Scale(1/float64(count), sums[i])
			d.centroids[i] = sums[i]
		}
		return nil
	}
}

// farthestFeatures returns a copy of the features of the cell farthest
// from its assigned cluster center.
func farthestFeatures(cells []*Cell) []float64 {
	var best *Cell
	bestDist := math.Inf(-1)
	for _, c := range cells {
		if c.Dist > bestDist {
			best, bestDist = c, c.Dist
		}
	}
	return append([]float64(nil), best.Features...)
}

// ConvergenceStatus gives information about the progress of the
// cluster iteration.
type ConvergenceStatus struct {
	// Iteration is the number of completed cluster iterations.
	Iteration int
	// Inertia is the total within-cluster sum of squared distances.
	Inertia float64
	// Change is the relative difference between Inertia and the
	// inertia of the previous iteration.
	Change float64
	// Done specifies whether the iteration has finished.
	Done bool
}

func (s ConvergenceStatus) String() string {
	return fmt.Sprintf("%d: total within-cluster variance difference = %3.2g%% from last iteration.",
		s.Iteration, s.Change*100)
}

// ConvergenceCheck returns a function that computes the total
// within-cluster sum of squared distances (the inertia) and flags the
// model as finished when the relative inertia change between
// iterations falls within config.Tolerance, or when config.MaxIter
// iterations have been run. If c is not nil, a status report is sent
// on it after every check.
func (config *ClusterConfig) ConvergenceCheck(c chan ConvergenceStatus) DomainManipulator {
	iteration := 0
	oldInertia := 0.
	return func(d *VegMap) error {
		iteration++
		var inertia float64
		for _, cell := range d.Cells() {
			inertia += cell.Dist
		}
		converged, change := checkConvergence(inertia, oldInertia, config.Tolerance)
		if converged || (config.MaxIter > 0 && iteration >= config.MaxIter) {
			d.Done = true
		}
		d.inertia = inertia
		oldInertia = inertia
		if c != nil {
			c <- ConvergenceStatus{Iteration: iteration, Inertia: inertia, Change: change, Done: d.Done}
		}
		return nil
	}
}

// checkConvergence reports whether the difference between inertia and
// oldInertia is within tolerance, along with the relative change.
func checkConvergence(inertia, oldInertia, tolerance float64) (bool, float64) {
	bias := (inertia - oldInertia) / oldInertia
	if math.IsNaN(bias) { // Both inertias are zero.
		bias = 0
	}
	return math.Abs(bias) <= tolerance, bias
}

// SmoothLabels returns a function that runs a majority filter over the
// edge neighbors of every cell, reassigning cells whose label
// disagrees with the majority of their neighbors. This removes the
// single-cell speckle that independent per-cell assignment leaves
// behind. The filter runs config.SmoothPasses times, or fewer if a
// pass changes nothing; zero passes disables it.
func (config *ClusterConfig) SmoothLabels() DomainManipulator {
	return func(d *VegMap) error {
		if config.SmoothPasses <= 0 || len(d.centroids) == 0 {
			return nil
		}
		cells := d.Cells()
		counts := make([]int, len(d.centroids))
		for pass := 0; pass < config.SmoothPasses; pass++ {
			newLabels := make([]float64, len(cells))
			changed := false
			for i, c := range cells {
				newLabels[i] = c.Label
				neighbors := c.neighbors()
				if len(neighbors) == 0 {
					continue
				}
				for j := range counts {
					counts[j] = 0
				}
				for _, n := range neighbors {
					counts[int(n.Label)]++
				}
				best, bestCount := int(c.Label), 0
				for j, count := range counts {
					if count > bestCount {
						best, bestCount = j, count
					}
				}
				// Only flip the label when a strict majority of the
				// neighbors agree on a different class.
				if bestCount > len(neighbors)/2 && best != int(c.Label) {
					newLabels[i] = float64(best)
					changed = true
				}
			}
			for i, c := range cells {
				if l := int(newLabels[i]); l != int(c.Label) {
					c.Label = newLabels[i]
					c.Dist = sqDist(c.Features, d.centroids[l])
				}
			}
			if !changed {
				break
			}
		}
		return nil
	}
}
