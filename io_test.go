package vegmap

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"reflect"
	"testing"

	"github.com/ctessum/geom/encoding/shp"
)

const testGeoJSONFilename = "testOutput.geojson"

func TestOutputEquation(t *testing.T) {
	o, err := NewOutputter(TestOutputFilename, map[string]string{
		"IndexMean": "IndexMean",
		"Scaled":    "IndexMean * 10",
		"LogScaled": "log(Scaled)",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Variables that are defined in terms of other output variables
	// are replaced by the expressions that define them.
	wantVars := map[string]string{
		"IndexMean": "IndexMean",
		"Scaled":    "IndexMean * 10",
		"LogScaled": "log((IndexMean * 10))",
	}
	if !reflect.DeepEqual(o.outputVariables, wantVars) {
		t.Errorf("have %v, want %v", o.outputVariables, wantVars)
	}
	if want := []string{"IndexMean"}; !reflect.DeepEqual(o.modelVariables, want) {
		t.Errorf("have %v, want %v", o.modelVariables, want)
	}
}

func TestOutputBraces(t *testing.T) {
	_, err := NewOutputter(TestOutputFilename, map[string]string{
		"Nested": "{{NObs} * 2}",
	})
	if err == nil {
		t.Fatal("nested braces should cause an error")
	}
	want := "vegmap o.outputVariables: unsupported use of braces {}"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}

func TestCheckOutputNames(t *testing.T) {
	tests := []struct {
		name string
		err  string
	}{
		{
			name: "GoodName1",
			err:  "",
		},
		{
			name: "WayTooLongOutputName",
			err:  "vegmap: output variable name 'WayTooLongOutputName' exceeds 10 characters",
		},
		{
			name: "Bad-Name",
			err:  "vegmap: output variable name 'Bad-Name' includes unsupported characters",
		},
		{
			name: "A Very Bad Long Name",
			err:  "vegmap: output variable name 'A Very Bad Long Name' exceeds 10 characters and includes unsupported character(s)",
		},
	}
	for _, test := range tests {
		err := checkOutputNames(map[string]string{test.name: "NObs"})
		if test.err == "" {
			if err != nil {
				t.Errorf("%s: %v", test.name, err)
			}
		} else if err == nil {
			t.Errorf("%s: want an error but have none", test.name)
		} else if err.Error() != test.err {
			t.Errorf("%s: have '%v', want '%s'", test.name, err, test.err)
		}
	}
}

func TestCheckModelVars(t *testing.T) {
	cfg, data := SceneTestData()
	d := new(VegMap)
	d.InitFuncs = []DomainManipulator{cfg.RegularGrid(data)}
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.checkModelVars("NObs", "T0", "IndexAmp"); err != nil {
		t.Error(err)
	}
	err := d.checkModelVars("Banana")
	if err == nil {
		t.Fatal("an undefined variable should cause an error")
	}
	want := "vegmap: undefined variable name 'Banana'; the available variables are " +
		"[IndexMean IndexMin IndexMax IndexAmp IndexStd NObs Label Dist Area T0 T1 T2 T3 T4 T5]"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}

func TestResultsNotANumber(t *testing.T) {
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.AddCells(testCell(0, 0))
	o, err := NewOutputter(TestOutputFilename, map[string]string{"Logical": "Label == 0"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Results(o)
	if err == nil {
		t.Fatal("a non-numeric expression should cause an error")
	}
	want := "vegmap: output variable Logical: expression 'Label == 0' does not evaluate to a number"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}

func TestOutput(t *testing.T) {
	cfg, data := SceneTestData()

	o, err := NewOutputter(TestOutputFilename, map[string]string{
		"Amp":    "IndexMax - IndexMin",
		"Double": "Amp * 2",
		"FnTest": "sum(exp(Label), log10(100), min(NObs, 99), max(0, 1))",
		"Label":  "Label",
		"NObs":   "NObs",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := new(VegMap)
	d.InitFuncs = []DomainManipulator{
		cfg.RegularGrid(data),
		o.CheckOutputVars(),
	}
	d.CleanupFuncs = []DomainManipulator{
		o.Output(),
	}
	if err := d.Init(); err != nil {
		t.Error(err)
	}
	if err := d.Cleanup(); err != nil {
		t.Error(err)
	}

	type outData struct {
		Amp    float64
		Double float64
		FnTest float64
		Label  float64
		NObs   float64
	}
	dec, err := shp.NewDecoder(TestOutputFilename)
	if err != nil {
		t.Fatal(err)
	}
	var recs []outData
	for {
		var rec outData
		if more := dec.DecodeRow(&rec); !more {
			break
		}
		recs = append(recs, rec)
	}
	if err := dec.Error(); err != nil {
		t.Fatal(err)
	}

	// The first 10 cells have the seasonal vegetation profile and the
	// remaining 7 have the flat water profile.
	var want []outData
	for i := 0; i < 17; i++ {
		w := outData{Amp: 2.6, Double: 5.2, FnTest: 10, NObs: 6}
		if i >= 10 {
			w.Amp = 0.02
			w.Double = 0.04
		}
		want = append(want, w)
	}

	if len(recs) != len(want) {
		t.Errorf("want %d records but have %d", len(want), len(recs))
	}
	for i, w := range want {
		if i >= len(recs) {
			continue
		}
		h := recs[i]
		if !reflect.DeepEqual(w, h) {
			t.Errorf("record %d: want %+v but have %+v", i, w, h)
		}
	}
	dec.Close()

	prj, err := ioutil.ReadFile("testOutput.prj")
	if err != nil {
		t.Fatal(err)
	}
	if string(prj) != TestGridProj {
		t.Errorf("want projection '%s' but have '%s'", TestGridProj, string(prj))
	}
	DeleteShapefile(TestOutputFilename)
}

func TestOutputGeoJSON(t *testing.T) {
	cfg, data := SceneTestData()

	o, err := NewOutputter(testGeoJSONFilename, map[string]string{
		"Amp":  "IndexMax - IndexMin",
		"NObs": "NObs",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := new(VegMap)
	d.InitFuncs = []DomainManipulator{
		cfg.RegularGrid(data),
		o.CheckOutputVars(),
	}
	d.CleanupFuncs = []DomainManipulator{
		o.Output(),
	}
	if err := d.Init(); err != nil {
		t.Error(err)
	}
	if err := d.Cleanup(); err != nil {
		t.Error(err)
	}

	f, err := os.Open(testGeoJSONFilename)
	if err != nil {
		t.Fatal(err)
	}
	var fc jsonFeatureCollection
	if err := json.NewDecoder(f).Decode(&fc); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if fc.Type != "FeatureCollection" {
		t.Errorf("want a FeatureCollection but have '%s'", fc.Type)
	}
	if fc.Proj4 != TestGridProj {
		t.Errorf("want projection '%s' but have '%s'", TestGridProj, fc.Proj4)
	}
	if len(fc.Features) != 17 {
		t.Fatalf("want 17 features but have %d", len(fc.Features))
	}
	const tol = 1.e-9
	for i, feat := range fc.Features {
		if feat.Type != "Feature" {
			t.Errorf("feature %d: want a Feature but have '%s'", i, feat.Type)
		}
		if feat.Geometry == nil || feat.Geometry.Type != "Polygon" {
			t.Errorf("feature %d: missing polygon geometry", i)
		}
		wantAmp := 2.6
		if i >= 10 {
			wantAmp = 0.02
		}
		if different(feat.Properties["Amp"], wantAmp, tol) {
			t.Errorf("feature %d: want amplitude %g but have %g", i, wantAmp, feat.Properties["Amp"])
		}
		if feat.Properties["NObs"] != 6 {
			t.Errorf("feature %d: want 6 observations but have %g", i, feat.Properties["NObs"])
		}
	}
	os.Remove(testGeoJSONFilename)
}

func TestOutputBadExtension(t *testing.T) {
	o, err := NewOutputter("testOutput.csv", map[string]string{"NObs": "NObs"})
	if err != nil {
		t.Fatal(err)
	}
	d := new(VegMap)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	err = o.Output()(d)
	if err == nil {
		t.Fatal("an unsupported extension should cause an error")
	}
	want := "vegmap: unrecognized output file extension '.csv'; the supported extensions are .shp and .geojson"
	if err.Error() != want {
		t.Errorf("have '%v', want '%s'", err, want)
	}
}
