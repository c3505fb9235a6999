/*
Copyright © 2018 the VegMAP authors.
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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
)

// Outputter is a holder for output parameters.
//
// fileName contains the path where the output will be saved. The file
// extension chooses the format: ".shp" for a shapefile and ".geojson"
// for GeoJSON.
//
// outputVariables maps the names of the variables for which data
// should be returned to expressions that define how the
// requested data should be calculated. These expressions can utilize
// variables built into the model, user-defined variables, and
// functions.
//
// modelVariables is automatically generated based on the model
// variables that are required to calculate the requested output
// variables.
//
// Functions are defined in the outputFunctions variable.
type Outputter struct {
	fileName        string
	outputVariables map[string]string
	modelVariables  []string
	outputFunctions map[string]govaluate.ExpressionFunction
}

// NewOutputter initializes a new Outputter holder with a set of
// output functions:
//
// 'exp(x)', 'log(x)' and 'log10(x)' apply the corresponding
// single-argument math functions.
//
// 'min(a, b, ...)', 'max(a, b, ...)' and 'sum(a, b, ...)' combine the
// values of their arguments.
func NewOutputter(fileName string, outputVariables map[string]string) (*Outputter, error) {
	outputFunctions := map[string]govaluate.ExpressionFunction{
		"exp": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("vegmap: got %d arguments for function 'exp', but needs 1", len(arg))
			}
			return (float64)(math.Exp(arg[0].(float64))), nil
		},
		"log": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("vegmap: got %d arguments for function 'log', but needs 1", len(arg))
			}
			return (float64)(math.Log(arg[0].(float64))), nil
		},
		"log10": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("vegmap: got %d arguments for function 'log10', but needs 1", len(arg))
			}
			return (float64)(math.Log10(arg[0].(float64))), nil
		},
		"min": func(arg ...interface{}) (interface{}, error) {
			if len(arg) == 0 {
				return nil, fmt.Errorf("vegmap: got no arguments for function 'min', but needs at least 1")
			}
			v := arg[0].(float64)
			for _, a := range arg[1:] {
				v = math.Min(v, a.(float64))
			}
			return v, nil
		},
		"max": func(arg ...interface{}) (interface{}, error) {
			if len(arg) == 0 {
				return nil, fmt.Errorf("vegmap: got no arguments for function 'max', but needs at least 1")
			}
			v := arg[0].(float64)
			for _, a := range arg[1:] {
				v = math.Max(v, a.(float64))
			}
			return v, nil
		},
		"sum": func(arg ...interface{}) (interface{}, error) {
			var v float64
			for _, a := range arg {
				v += a.(float64)
			}
			return v, nil
		},
	}

	vars := make(map[string]string, len(outputVariables))
	for k, v := range outputVariables {
		vars[k] = v
	}

	o := Outputter{
		fileName:        fileName,
		outputVariables: vars,
		outputFunctions: outputFunctions,
	}

	for _, val := range o.outputVariables {
		regx, _ := regexp.Compile("\\{(.*?)\\}")
		matches := regx.FindAllString(val, -1)
		if len(matches) > 0 {
			for _, m := range matches {
				if strings.Count(m, "{") > 1 || strings.Count(m, "}") > 1 {
					return nil, fmt.Errorf("vegmap o.outputVariables: unsupported use of braces {}")
				}
				o.outputVariables[m] = m[1 : len(m)-1]
			}
		}
	}

	err := o.checkForDerivatives()

	for k1, v1 := range o.outputVariables {
		if strings.Contains(k1, "{") {
			for k2, v2 := range o.outputVariables {
				if k1 != k2 {
					o.outputVariables[k2] = strings.Replace(v2, v1, "{"+v1+"}", -1)
				}
			}
			delete(o.outputVariables, k1)
		}
	}

	return &o, err
}

// removeDuplicates removes all duplicated strings from a slice, returning a
// slice that contains only unique strings.
func removeDuplicates(s []string) []string {
	result := make([]string, 0, len(s))
	seen := make(map[string]string)
	for _, val := range s {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = val
		}
	}
	return result
}

func checkPrefix(s string) (bool, error) {
	var isPrefix bool
	var err error
	if string(s) != "" {
		isPrefix, err = regexp.MatchString("[a-zA-Z0-9_]", string(s[0]))
		if err != nil {
			return false, err
		}
	} else {
		isPrefix = false
	}
	return isPrefix, nil
}

func checkSuffix(s string) (bool, error) {
	var isSuffix bool
	var err error
	if string(s) != "" {
		isSuffix, err = regexp.MatchString("[a-zA-Z0-9_]", string(s[len(s)-1]))
		if err != nil {
			return false, err
		}
	} else {
		isSuffix = false
	}
	return isSuffix, nil
}

// checkForDerivatives identifies the unique input variables that are required
// to calculate the requested output variables. Any user-defined output
// variable showing up in a subsequent expression is replaced by its
// corresponding user-defined expression.
func (o *Outputter) checkForDerivatives() error {
	o.modelVariables = make([]string, 0, len(o.outputVariables))
	for key, val := range o.outputVariables {
		o.outputVariables[key] = strings.Replace(val, "{", "", -1)
		o.outputVariables[key] = strings.Replace(o.outputVariables[key], "}", "", -1)
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(o.outputVariables[key], o.outputFunctions)
		if err != nil {
			return fmt.Errorf("vegmap o.outputVariables: %v", err)
		}
		uniqueVars := removeDuplicates(expression.Vars())
		o.modelVariables = append(o.modelVariables, uniqueVars...)
		// For each variable name identified in an output variable expression,
		// check if the variable is defined in terms of other variables within a
		// separate expression. If so, any instance of the variable name in the
		// current expression will be replaced by the expression that defines it.
		var isSuffix bool
		var isPrefix bool
		for _, uniqueVar := range uniqueVars {
			if o.outputVariables[uniqueVar] != "" && o.outputVariables[uniqueVar] != uniqueVar {
				// In order to verify that an instance of a variable name is not
				// part of a longer variable name, the text preceding and
				// following the variable name is analyzed. For example, 'Mean'
				// is not a standalone variable in an expression if it appears
				// as 'IndexMean'.
				splitVal := strings.Split(val, uniqueVar)
				for i := 0; i < len(splitVal)-1; i++ {
					isSuffix, err = checkSuffix(splitVal[i])
					if err != nil {
						return fmt.Errorf("vegmap o.outputVariables: %v", err)
					}
					isPrefix, err = checkPrefix(splitVal[i+1])
					if err != nil {
						return fmt.Errorf("vegmap o.outputVariables: %v", err)
					}
					splitVal[i] = splitVal[i] + uniqueVar
					// For every instance of the variable name that is not part
					// of a longer variable name, replace it by the expression
					// that defines it.
					if !isSuffix && !isPrefix {
						splitVal[i] = strings.Replace(splitVal[i], uniqueVar, "("+o.outputVariables[uniqueVar]+")", -1)
					}
				}
				o.outputVariables[key] = strings.Join(splitVal, "")
				return o.checkForDerivatives()
			}
		}
	}
	o.modelVariables = removeDuplicates(o.modelVariables)
	return nil
}

// checkModelVars checks whether the unique input variables required to
// calculate the user-requested output variables are available in the
// model.
func (d *VegMap) checkModelVars(g ...string) error {
	outputOps, _, _ := d.OutputOptions()
	mapOutputOps := make(map[string]uint8)
	for _, n := range outputOps {
		mapOutputOps[n] = 0
	}
	for _, v := range g {
		if _, ok := mapOutputOps[v]; !ok {
			return fmt.Errorf("vegmap: undefined variable name '%s'; the available variables are %v", v, outputOps)
		}
	}
	return nil
}

// checkOutputNames checks (1) if any output variable names exceed 10
// characters and (2) if any output variable names include characters that
// are unsupported in shapefile field names.
func checkOutputNames(o map[string]string) error {
	for key := range o {
		long := len(key) > 10
		noCharError, err := regexp.MatchString("^[A-Za-z]\\w*$", key)
		if err != nil {
			panic(err)
		}
		if long && !noCharError {
			return fmt.Errorf("vegmap: output variable name '%s' exceeds 10 characters and includes unsupported character(s)", key)
		} else if long {
			return fmt.Errorf("vegmap: output variable name '%s' exceeds 10 characters", key)
		} else if !noCharError {
			return fmt.Errorf("vegmap: output variable name '%s' includes unsupported characters", key)
		}
	}
	return nil
}

// CheckOutputVars ensures the output variables can be calculated.
func (o *Outputter) CheckOutputVars() DomainManipulator {
	return func(d *VegMap) error {
		if err := d.checkModelVars(o.modelVariables...); err != nil {
			return err
		} else if err := checkOutputNames(o.outputVariables); err != nil {
			return err
		} else {
			return nil
		}
	}
}

// Results evaluates the output expressions in o over the model grid,
// returning the values of each output variable for each grid cell in
// the order returned by (*VegMap).Cells().
func (d *VegMap) Results(o *Outputter) (map[string][]float64, error) {
	cells := d.Cells()
	modelVals := make(map[string][]float64, len(o.modelVariables))
	for _, v := range o.modelVariables {
		modelVals[v] = d.toArray(v)
	}
	results := make(map[string][]float64, len(o.outputVariables))
	params := make(map[string]interface{}, len(o.modelVariables))
	for name, expStr := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(expStr, o.outputFunctions)
		if err != nil {
			return nil, fmt.Errorf("vegmap: output variable %s: %v", name, err)
		}
		out := make([]float64, len(cells))
		for i := range cells {
			for v := range modelVals {
				params[v] = modelVals[v][i]
			}
			result, err := expression.Evaluate(params)
			if err != nil {
				return nil, fmt.Errorf("vegmap: evaluating output variable %s: %v", name, err)
			}
			val, ok := result.(float64)
			if !ok {
				return nil, fmt.Errorf("vegmap: output variable %s: expression '%s' does not evaluate to a number",
					name, expStr)
			}
			out[i] = val
		}
		results[name] = out
	}
	return results, nil
}

// Output returns a function that writes the output variables to the
// file configured in o, dispatching on the file extension.
func (o *Outputter) Output() DomainManipulator {
	return func(d *VegMap) error {
		switch ext := filepath.Ext(o.fileName); ext {
		case ".shp":
			return o.writeShapefile(d)
		case ".geojson":
			return o.writeGeoJSON(d)
		default:
			return fmt.Errorf("vegmap: unrecognized output file extension '%s'; the supported extensions are .shp and .geojson", ext)
		}
	}
}

func (o *Outputter) writeShapefile(d *VegMap) error {
	results, err := d.Results(o)
	if err != nil {
		return err
	}

	vars := make([]string, 0, len(results))
	for v := range results {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	fields := make([]goshp.Field, len(vars))
	for i, v := range vars {
		fields[i] = goshp.FloatField(v, 14, 8)
	}

	fileBase := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName))
	shape, err := shp.NewEncoderFromFields(fileBase+".shp", goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("vegmap: error creating output shapefile: %v", err)
	}
	for i, c := range d.Cells() {
		outFields := make([]interface{}, len(vars))
		for j, v := range vars {
			outFields[j] = results[v][i]
		}
		err = shape.EncodeFields(c.Polygonal, outFields...)
		if err != nil {
			return fmt.Errorf("vegmap: error writing output shapefile: %v", err)
		}
	}
	shape.Close()

	if d.Proj != "" {
		f, err := os.Create(fileBase + ".prj")
		if err != nil {
			return fmt.Errorf("vegmap: error creating output prj file: %v", err)
		}
		fmt.Fprint(f, d.Proj)
		f.Close()
	}

	return nil
}

type jsonFeature struct {
	Type       string
	Geometry   *geojson.Geometry
	Properties map[string]float64
}

type jsonFeatureCollection struct {
	Proj4, Type string
	Features    []*jsonFeature
}

func (o *Outputter) writeGeoJSON(d *VegMap) error {
	results, err := d.Results(o)
	if err != nil {
		return err
	}
	cells := d.Cells()
	out := &jsonFeatureCollection{
		Proj4:    d.Proj,
		Type:     "FeatureCollection",
		Features: make([]*jsonFeature, len(cells)),
	}
	for i, c := range cells {
		x := &jsonFeature{
			Type:       "Feature",
			Properties: make(map[string]float64),
		}
		// Each grid cell is a rectangle, so it has a single polygon.
		x.Geometry, err = geojson.ToGeoJSON(c.Polygons()[0])
		if err != nil {
			return fmt.Errorf("vegmap: error converting output geometry: %v", err)
		}
		for v, vals := range results {
			x.Properties[v] = vals[i]
		}
		out.Features[i] = x
	}
	f, err := os.Create(o.fileName)
	if err != nil {
		return fmt.Errorf("vegmap: error creating output file: %v", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(out); err != nil {
		return fmt.Errorf("vegmap: error encoding output file: %v", err)
	}
	return nil
}
