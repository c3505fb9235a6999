package vegmap

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/ctessum/geom"
)

func init() {
	gob.Register(geom.Polygon{})
	gob.Register(&geom.Bounds{})
}

// vegMapData is the on-disk layout of a saved classification.
type vegMapData struct {
	Cells      []*Cell
	Dates      []time.Time
	IndexName  string
	IndexUnits string
	Proj       string
	Centroids  [][]float64
	Inertia    float64
}

// Save returns a function that saves the data in d to a gob file
// (format description at https://golang.org/pkg/encoding/gob/).
func Save(w io.Writer) DomainManipulator {
	return func(d *VegMap) error {
		e := gob.NewEncoder(w)

		if err := e.Encode(vegMapData{
			Cells:      d.Cells(),
			Dates:      d.Dates,
			IndexName:  d.IndexName,
			IndexUnits: d.IndexUnits,
			Proj:       d.Proj,
			Centroids:  d.centroids,
			Inertia:    d.inertia,
		}); err != nil {
			return fmt.Errorf("vegmap.VegMap.Save: %v", err)
		}
		return nil
	}
}

// Load returns a function that loads the data from a previously Saved
// file into a VegMap object.
func Load(r io.Reader) DomainManipulator {
	return func(d *VegMap) error {
		dec := gob.NewDecoder(r)
		var data vegMapData
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("vegmap.VegMap.Load: %v", err)
		}
		d.initFromData(&data)
		return nil
	}
}

func (d *VegMap) initFromData(data *vegMapData) {
	d.init()
	d.Dates = data.Dates
	d.IndexName = data.IndexName
	d.IndexUnits = data.IndexUnits
	d.Proj = data.Proj
	d.centroids = data.Centroids
	d.inertia = data.Inertia
	d.AddCells(data.Cells...)
	// Neighbor links are rebuilt by AddCells; the feature slices of
	// saved cells may predate standardization.
	for _, c := range d.Cells() {
		if len(c.Features) == 0 {
			c.Features = c.Profile
		}
	}
}
