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
	"bytes"
	"context"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/carto"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/plotextra"
	"github.com/ctessum/requestcache"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// WebServer is a web interface for exploring classification results.
// It serves a Leaflet map of the grid variables, per-cluster legends
// and mean curves, and the time series of any clicked cell. The server
// assumes classification has finished; results calculated after the
// server starts answering requests may not be reflected in its output.
type WebServer struct {
	d *VegMap

	// Log specifies the logger to use. The default value is
	// logrus.StandardLogger().
	Log logrus.FieldLogger

	mux *http.ServeMux

	mx      sync.Mutex
	mapData *lru.Cache // memoized *carto.MapData, keyed by variable name.
	summary *ClusterSummary

	tileOnce  sync.Once
	tileCache *requestcache.Cache

	uiTmpl *template.Template
}

// maxMapDataEntries is the number of variables for which rendering data
// is kept in memory.
const maxMapDataEntries = 20

// NewWebServer creates a web interface for the results held by d.
func NewWebServer(d *VegMap) *WebServer {
	s := &WebServer{
		d:       d,
		Log:     logrus.StandardLogger(),
		mux:     http.NewServeMux(),
		mapData: lru.New(maxMapDataEntries),
		uiTmpl:  template.Must(template.New("ui").Parse(uiTemplate)),
	}
	s.mux.HandleFunc("/map/", s.mapTileHandler)
	s.mux.HandleFunc("/legend/", s.legendHandler)
	s.mux.HandleFunc("/profile/", s.profileHandler)
	s.mux.HandleFunc("/curves", s.curvesHandler)
	s.mux.HandleFunc("/histogram/", s.histogramHandler)
	s.mux.HandleFunc("/", s.uiHandler)
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *WebServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Log.WithFields(logrus.Fields{
		"url":  r.URL.String(),
		"addr": r.RemoteAddr,
	}).Info("vegmap server request")
	s.mux.ServeHTTP(w, r)
}

func parseMapRequest(base string, r *http.Request) (name string,
	zoom, x, y int, err error) {
	request := strings.Split(r.URL.Path[len(base):], "&")
	if len(request) != 4 {
		err = fmt.Errorf("vegmap: a map tile request must have the form "+
			"name&zoom&x&y but is '%s'", r.URL.Path[len(base):])
		return
	}
	name = request[0]
	zoom, err = s2i(request[1])
	if err != nil {
		return
	}
	x, err = s2i(request[2])
	if err != nil {
		return
	}
	y, err = s2i(request[3])
	if err != nil {
		return
	}
	return
}

func s2i(s string) (int, error) {
	i64, err := strconv.ParseInt(s, 10, 64)
	return int(i64), err
}

func s2f(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err
}

// getMapData returns rendering data for the given variable, from the
// cache when the variable has been mapped before. Cluster labels are
// categories rather than measurements, so they get a linear rainbow
// color map instead of the cutoff map used for continuous variables.
func (s *WebServer) getMapData(name string) (*carto.MapData, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if d, ok := s.mapData.Get(name); ok {
		return d.(*carto.MapData), nil
	}
	if err := s.d.checkModelVars(name); err != nil {
		return nil, err
	}
	vals := s.d.toArray(name)
	geometry := s.d.GetGeometry(true)
	var m *carto.MapData
	if name == "Label" {
		m = carto.NewMapData(len(vals), carto.Linear)
		m.Cmap.ColorScheme = carto.Jet
		if k := len(s.d.centroids); k >= 2 && k <= 12 {
			m.Cmap.NumDivisions = k
		}
	} else {
		m = carto.NewMapData(len(vals), carto.LinCutoff)
	}
	m.Cmap.AddArray(vals)
	m.Cmap.Set()
	const legendWidth = 6.2 * vg.Inch
	m.Cmap.LegendWidth = legendWidth
	m.Cmap.LegendHeight = legendWidth * 0.1067
	m.Cmap.LineWidth = 0.5
	m.Cmap.FontSize = 8
	for i, g := range geometry {
		m.Shapes[i] = geom.Geom(g)
	}
	copy(m.Data, vals)
	s.mapData.Add(name, m)
	return m, nil
}

// getSummary returns the cluster summary, calculating it on first use.
func (s *WebServer) getSummary() *ClusterSummary {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.summary == nil {
		s.summary = s.d.Summary()
	}
	return s.summary
}

type tileRequest struct {
	name       string
	zoom, x, y int
}

// renderTile renders a single 256x256 PNG map tile.
func (s *WebServer) renderTile(ctx context.Context, request interface{}) (interface{}, error) {
	req := request.(tileRequest)
	m, err := s.getMapData(req.name)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := m.WriteGoogleMapTile(&b, req.zoom, req.x, req.y); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (s *WebServer) initTileCache() {
	s.tileOnce.Do(func() {
		s.tileCache = requestcache.NewCache(s.renderTile, runtime.GOMAXPROCS(-1),
			requestcache.Deduplicate(), requestcache.Memory(200))
	})
}

func (s *WebServer) mapTileHandler(w http.ResponseWriter, r *http.Request) {
	name, zoom, x, y, err := parseMapRequest("/map/", r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.initTileCache()
	req := s.tileCache.NewRequest(r.Context(),
		tileRequest{name: name, zoom: zoom, x: x, y: y},
		fmt.Sprintf("%s/%d/%d/%d", name, zoom, x, y))
	result, err := req.Result()
	if err != nil {
		s.Log.WithFields(logrus.Fields{
			"url": r.URL.String(),
			"err": err,
		}).Error("vegmap: rendering map tile")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(result.([]byte))
}

func (s *WebServer) legendHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path[len("/legend/"):], "/")
	m, err := s.getMapData(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	c := vgimg.New(m.Cmap.LegendWidth, m.Cmap.LegendHeight)
	dc := draw.New(c)
	err = m.Cmap.Legend(&dc, fmt.Sprintf("%v (%v)", name, s.d.getUnits(name)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, err = vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func parseProfileRequest(base string, r *http.Request) (lon, lat float64, err error) {
	request := strings.Split(strings.Trim(r.URL.Path[len(base):], "/"), "/")
	if len(request) != 2 {
		err = fmt.Errorf("vegmap: a profile request must have the form "+
			"lon/lat but is '%s'", r.URL.Path[len(base):])
		return
	}
	lon, err = s2f(request[0])
	if err != nil {
		return
	}
	lat, err = s2f(request[1])
	if err != nil {
		return
	}
	return
}

// profileHandler serves a plot of the time series of the grid cell
// at the requested long/lat location, together with the mean curve
// of the cluster the cell belongs to.
func (s *WebServer) profileHandler(w http.ResponseWriter, r *http.Request) {
	lon, lat, err := parseProfileRequest("/profile/", r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pt, err := s.d.longLatToGrid(geom.Point{X: lon, Y: lat})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dates, vals, err := s.d.TemporalProfile(s.d.IndexName, pt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c, err := s.d.cellAt(pt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	p, err := plot.New()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p.Title.Text = fmt.Sprintf("%s at (%.3f, %.3f)", s.d.IndexName, lon, lat)
	p.X.Label.Text = fmt.Sprintf("Days since %s", dates[0].Format("2006-01-02"))
	p.Y.Label.Text = s.d.IndexUnits
	xy := make(plotter.XYs, len(dates))
	for i, date := range dates {
		xy[i].X = date.Sub(dates[0]).Hours() / 24
		xy[i].Y = vals[i]
	}
	summary := s.getSummary()
	label := int(c.Label)
	if label >= 0 && label < len(summary.Clusters) {
		mean := summary.Clusters[label].MeanProfile
		xyMean := make(plotter.XYs, len(dates))
		for i, date := range dates {
			xyMean[i].X = date.Sub(dates[0]).Hours() / 24
			xyMean[i].Y = mean[i]
		}
		err = plotutil.AddLinePoints(p,
			"cell", xy,
			fmt.Sprintf("cluster %d", label), xyMean)
	} else {
		err = plotutil.AddLinePoints(p, "cell", xy)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	ww, hh := 4.*vg.Inch, 3.*vg.Inch
	wt, err := p.WriterTo(ww, hh, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, err = wt.WriteTo(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// curvesHandler serves an interactive chart of the mean profile
// of each cluster.
func (s *WebServer) curvesHandler(w http.ResponseWriter, r *http.Request) {
	summary := s.getSummary()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "VegMAP cluster curves",
			Width:     "1000px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Mean %s by cluster", summary.IndexName),
			Subtitle: fmt.Sprintf("units: %s", summary.IndexUnits),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	x := make([]string, len(summary.Dates))
	for i, date := range summary.Dates {
		x[i] = date.Format("2006-01-02")
	}
	line.SetXAxis(x)
	for _, c := range summary.Clusters {
		data := make([]opts.LineData, len(c.MeanProfile))
		for i, v := range c.MeanProfile {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(fmt.Sprintf("%d: %s", c.Label, c.Name), data,
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	}
	var b bytes.Buffer
	if err := line.Render(&b); err != nil {
		s.Log.WithFields(logrus.Fields{
			"url": r.URL.String(),
			"err": err,
		}).Error("vegmap: rendering cluster curves")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b.Bytes())
}

// histogramHandler serves a plot of the distribution of the requested
// variable over the grid cells. Vegetation index distributions tend to
// have a long upper tail, so when outliers are present the horizontal
// axis is broken at the 99th percentile.
func (s *WebServer) histogramHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path[len("/histogram/"):], "/")
	if err := s.d.checkModelVars(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var values plotter.Values
	for _, v := range s.d.toArray(name) {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		http.Error(w, fmt.Sprintf("vegmap: variable %s has no plottable values", name),
			http.StatusInternalServerError)
		return
	}

	p, err := plot.New()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p.Title.Text = fmt.Sprintf("Distribution of %s", name)
	p.X.Label.Text = fmt.Sprintf("%v (%v)", name, s.d.getUnits(name))
	p.Y.Label.Text = "cells"
	h, err := plotter.NewHist(values, int(math.Ceil(math.Sqrt(float64(len(values))))))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p.Add(h)
	cutpt := percentile(values, 0.99)
	if max := percentile(values, 1); max > cutpt {
		p.X.Scale = plotextra.BrokenScale{
			HighCut:         cutpt,
			HighCutFraction: 0.9,
		}
		p.X.Tick.Marker = plotextra.BrokenTicks{
			HighCut: cutpt,
		}
	}

	w.Header().Set("Content-Type", "image/png")
	wt, err := p.WriterTo(4.*vg.Inch, 3.*vg.Inch, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err = wt.WriteTo(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// percentile returns percentile p (range [0,1]) of the given data.
func percentile(data []float64, p float64) float64 {
	tmp := make([]float64, len(data))
	copy(tmp, data)
	sort.Float64s(tmp)
	return tmp[round(p*float64(len(tmp)))-1]
}

type uiOption struct {
	Name, Description, Units string
}

type uiData struct {
	Options  []uiOption
	Default  string
	Lat, Lon float64
	Zoom     int
}

func (s *WebServer) uiHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	names, descriptions, units := s.d.OutputOptions()
	data := uiData{Default: "Label"}
	for i, n := range names {
		data.Options = append(data.Options, uiOption{
			Name:        n,
			Description: descriptions[i],
			Units:       units[i],
		})
	}
	data.Lat, data.Lon, data.Zoom = s.d.mapCenter()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.uiTmpl.Execute(w, data); err != nil {
		s.Log.WithFields(logrus.Fields{
			"url": r.URL.String(),
			"err": err,
		}).Error("vegmap: executing ui template")
	}
}

// TemporalProfile returns the dates and values of the time series of the
// given variable at location p, which must be in the native grid
// projection. Only the classified index variable has a time series; other
// variables are scalar per cell.
func (d *VegMap) TemporalProfile(variable string, p geom.Point) ([]time.Time, []float64, error) {
	if variable != "" && variable != d.IndexName {
		return nil, nil, fmt.Errorf("vegmap: variable '%s' does not have a "+
			"temporal profile; only %s does", variable, d.IndexName)
	}
	c, err := d.cellAt(p)
	if err != nil {
		return nil, nil, err
	}
	c.mutex.RLock()
	vals := make([]float64, len(c.Profile))
	copy(vals, c.Profile)
	c.mutex.RUnlock()
	return d.Dates, vals, nil
}

// cellAt returns the grid cell containing location p in the native
// grid projection.
func (d *VegMap) cellAt(p geom.Point) (*Cell, error) {
	if d.index == nil {
		return nil, fmt.Errorf("vegmap: the grid has not been initialized")
	}
	cells := d.index.SearchIntersect(p.Bounds())
	if len(cells) == 0 {
		return nil, fmt.Errorf("vegmap: location %+v not in grid", p)
	}
	return cells[0].(*Cell), nil
}

// longLatProj is the spatial reference of locations clicked on the
// web map.
const longLatProj = "+proj=longlat +datum=WGS84 +no_defs"

// longLatToGrid transforms p from long/lat coordinates to the native
// grid projection.
func (d *VegMap) longLatToGrid(p geom.Point) (geom.Point, error) {
	if d.Proj == "" {
		return p, nil
	}
	longLatSR, err := proj.Parse(longLatProj)
	if err != nil {
		return geom.Point{}, fmt.Errorf("vegmap: while parsing the long/lat projection: %v", err)
	}
	gridSR, err := proj.Parse(d.Proj)
	if err != nil {
		return geom.Point{}, fmt.Errorf("vegmap: while parsing the grid projection: %v", err)
	}
	t, err := longLatSR.NewTransform(gridSR)
	if err != nil {
		return geom.Point{}, fmt.Errorf("vegmap: while creating the long/lat transform: %v", err)
	}
	g, err := p.Transform(t)
	if err != nil {
		return geom.Point{}, err
	}
	return g.(geom.Point), nil
}

// mapCenter returns the center of the grid in long/lat coordinates and
// a zoom level at which the whole grid is visible.
func (d *VegMap) mapCenter() (lat, lon float64, zoom int) {
	const originShift = math.Pi * 6378137. // for mercator projection
	b := geom.NewBounds()
	for _, c := range *d.cells {
		if c.WebMapGeom != nil {
			b.Extend(c.WebMapGeom.Bounds())
		}
	}
	if math.IsInf(b.Min.X, 1) { // There are no cells.
		return 0, 0, 2
	}
	x := (b.Min.X + b.Max.X) / 2
	y := (b.Min.Y + b.Max.Y) / 2
	lon = x / originShift * 180
	lat = (2*math.Atan(math.Exp(y/originShift*math.Pi)) - math.Pi/2) * 180 / math.Pi
	for w := 2 * originShift; w > b.Max.X-b.Min.X && w > b.Max.Y-b.Min.Y && zoom < 12; w /= 2 {
		zoom++
	}
	return lat, lon, zoom
}

// HTMLUI returns a function that serves an HTML user interface at address.
// If address is "", then the server won't run.
func HTMLUI(address string) DomainManipulator {
	return func(d *VegMap) error {
		if address != "" {
			errChan := make(chan error)
			go func() {
				errChan <- http.ListenAndServe(address, NewWebServer(d))
			}()
			return <-errChan
		}
		return nil
	}
}

// uiTemplate is the HTML user interface served at "/".
const uiTemplate = `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>VegMAP</title>
	<link rel="stylesheet" href="https://unpkg.com/leaflet@1.3.4/dist/leaflet.css">
	<script src="https://unpkg.com/leaflet@1.3.4/dist/leaflet.js"></script>
	<style>
		body { margin: 0; font-family: sans-serif; }
		#bar { height: 40px; padding: 5px 8px; box-sizing: border-box; }
		#map { position: absolute; top: 40px; bottom: 0; width: 100%; }
		#legend { height: 30px; vertical-align: middle; }
		#bar a { margin-left: 1em; }
	</style>
</head>
<body>
	<div id="bar">
		<select id="variable">
			{{- range .Options}}
			<option value="{{.Name}}"{{if eq .Name $.Default}} selected{{end}}>{{.Name}}: {{.Description}}</option>
			{{- end}}
		</select>
		<img id="legend" src="/legend/{{.Default}}" alt="legend">
		<a href="/curves" target="_blank">cluster curves</a>
		<a id="hist" href="/histogram/{{.Default}}" target="_blank">distribution</a>
	</div>
	<div id="map"></div>
	<script>
		var map = L.map('map').setView([{{.Lat}}, {{.Lon}}], {{.Zoom}});
		L.tileLayer('https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png', {
			attribution: '&copy; OpenStreetMap contributors'
		}).addTo(map);
		var overlay = null;
		function setVariable(name) {
			if (overlay !== null) {
				map.removeLayer(overlay);
			}
			overlay = L.tileLayer('/map/' + name + '&{z}&{x}&{y}', {opacity: 0.7});
			overlay.addTo(map);
			document.getElementById('legend').src = '/legend/' + name;
			document.getElementById('hist').href = '/histogram/' + name;
		}
		var sel = document.getElementById('variable');
		sel.addEventListener('change', function() { setVariable(sel.value); });
		setVariable(sel.value);
		map.on('click', function(e) {
			var url = '/profile/' + e.latlng.lng.toFixed(5) + '/' + e.latlng.lat.toFixed(5);
			L.popup({minWidth: 420})
				.setLatLng(e.latlng)
				.setContent('<img src="' + url + '" width="400">')
				.openOn(map);
		});
	</script>
</body>
</html>`
