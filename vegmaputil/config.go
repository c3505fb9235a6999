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

package vegmaputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/vegmap"
	"github.com/spf13/cast"
)

// checkOutputVars removes end lines and expands environment
// variables in the output variables.
func checkOutputVars(vars map[string]string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, fmt.Errorf("there are no variables specified for output. Please fill in " +
			"the OutputVariables configuration and try again.")
	}
	for k, v := range vars {
		v = strings.Replace(v, "\r\n", " ", -1)
		v = strings.Replace(v, "\n", " ", -1)
		vars[os.ExpandEnv(k)] = os.ExpandEnv(v)
	}
	return vars, nil
}

// checkOutputFile makes sure that the output file is specified and its
// directory exists, and expands any environment variables.
func checkOutputFile(f string) (string, error) {
	if f == "" {
		return "", fmt.Errorf(`you need to specify an output file configuration variable (for example: OutputFile="vegmap_output.shp"`)
	}
	f = os.ExpandEnv(f)
	if IsBlob(f) {
		_, err := OpenBucket(context.TODO(), f)
		if err != nil {
			return f, fmt.Errorf("vegmap: error when checking OutputFile location: %v", err)
		}
		return f, nil
	}
	outdir := filepath.Dir(f)
	if _, err := os.Stat(outdir); err != nil {
		return f, fmt.Errorf("vegmap: the OutputFile directory doesn't exist: %v", err)
	}
	return f, nil
}

// checkLogFile fills in a default value for the log file path if one isn't
// specified.
func checkLogFile(logFile, outputFile string) string {
	if logFile == "" {
		logFile = strings.TrimSuffix(outputFile, filepath.Ext(outputFile)) + ".log"
	}
	return logFile
}

// checkSource expands any environment variables in the scene source name
// and ensures that an acceptable value was specified.
func checkSource(s string) (string, error) {
	s = os.ExpandEnv(s)
	if s != "modis" && s != "sentinel2" {
		return s, fmt.Errorf("the Ingest.Source variable in the configuration file "+
			"needs to be set to either modis or sentinel2, but is currently set to `%s`", s)
	}
	return s, nil
}

// gridConfig unmarshals the grid configuration from cfg, downloading the
// mask shapefile first if it is a remote location.
func gridConfig(ctx context.Context, cfg *viper.Viper, c chan string) (*vegmap.GridConfig, error) {
	gc := vegmap.GridConfig{
		GridProj:      os.ExpandEnv(cfg.GetString("Grid.GridProj")),
		MaskShapefile: maybeDownload(ctx, os.ExpandEnv(cfg.GetString("Grid.MaskShapefile")), c),
		IndexVariable: cfg.GetString("Grid.IndexVariable"),
	}
	if gc.GridProj == "" {
		return nil, fmt.Errorf("you need to specify the scene grid projection in the " +
			"'Grid.GridProj' configuration variable.")
	}
	return &gc, nil
}

// clusterConfig unmarshals the clustering configuration from cfg.
func clusterConfig(cfg *viper.Viper) (*vegmap.ClusterConfig, error) {
	cc := vegmap.ClusterConfig{
		Clusters:     cfg.GetInt("Cluster.Clusters"),
		Seed:         int64(cfg.GetInt("Cluster.Seed")),
		MaxIter:      cfg.GetInt("Cluster.MaxIter"),
		Tolerance:    cfg.GetFloat64("Cluster.Tolerance"),
		Standardize:  cfg.GetBool("Cluster.Standardize"),
		SmoothPasses: cfg.GetInt("Cluster.SmoothPasses"),
	}
	if cc.Clusters < 2 {
		return nil, fmt.Errorf("the Cluster.Clusters configuration variable is %d but must be at least 2", cc.Clusters)
	}
	if cc.Tolerance < 0 {
		return nil, fmt.Errorf("the Cluster.Tolerance configuration variable is %g but must not be negative", cc.Tolerance)
	}
	return &cc, nil
}

// ingestConfig unmarshals the scene ingestion configuration from cfg.
func ingestConfig(cfg *viper.Viper) *vegmap.IngestConfig {
	return &vegmap.IngestConfig{
		X0:              cfg.GetFloat64("Ingest.X0"),
		Y0:              cfg.GetFloat64("Ingest.Y0"),
		Dx:              cfg.GetFloat64("Ingest.Dx"),
		Dy:              cfg.GetFloat64("Ingest.Dy"),
		CompositePeriod: cfg.GetInt("Ingest.CompositePeriod"),
		CompositeMethod: cfg.GetString("Ingest.CompositeMethod"),
	}
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for getStringMapString variable %s: %#v", varName, i))
	}
}
