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

// Package vegmaputil holds the configuration layer and the commands that
// make up the vegmap command-line program.
package vegmaputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"

	"github.com/ctessum/gobra"
	"github.com/lnashier/viper"
	"github.com/skratchdot/open-golang/open"
	"github.com/spatialmodel/vegmap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	Cfg = viper.New()

	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(ingestCmd)
	Root.AddCommand(classifyCmd)
	Root.AddCommand(statsCmd)
	Root.AddCommand(serveCmd)
	Root.AddCommand(runsCmd)

	// Create the configuration flags.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "SceneData",
			usage: `
              SceneData is the path to the file holding the gridded scene stack,
              as created by the "ingest" command. The path can include
              environment variables.`,
			defaultVal: "vegmap_scene.ncf",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "ClassifiedData",
			usage: `
              ClassifiedData is the path where the "classify" command saves the
              classified domain, and where the "stats" and "serve" commands load
              it from. The path can include environment variables.`,
			defaultVal: "vegmap_classified.gob",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags(), statsCmd.Flags(), serveCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile specifies the path to the shapefile where the
              classification results will be written. The path can include
              environment variables.`,
			defaultVal: "vegmap_output.shp",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile specifies the path to the file where the classification log
              should be saved. If LogFile is blank, the log will be saved to
              the same location as the OutputFile, but with the extension ".log".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "OutputVariables",
			usage: `
              OutputVariables specifies which variables should be output, as well
              as (optionally) expressions for calculating derived variables.
              Examples would be "Label" for the cluster each grid cell belongs
              to, "Dist" for the distance from the cell to its cluster centroid,
              or "IndexAmp / max(IndexMean, 0.000000001)" for the seasonal
              amplitude relative to the mean.`,
			defaultVal: map[string]string{
				"Label":  "Label",
				"Dist":   "Dist",
				"RelAmp": "IndexAmp / max(IndexMean, 0.000000001)",
			},
			flagsets: []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "HistoryFile",
			usage: `
              HistoryFile is the path to the SQLite database where a record of
              classification runs is kept. If HistoryFile is blank, runs are not
              recorded. The path can include environment variables.`,
			defaultVal: "vegmap_history.db",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags(), runsCmd.Flags()},
		},
		{
			name: "limit",
			usage: `
              limit specifies the maximum number of classification runs the
              "runs" command lists, newest first. Nonpositive values list
              all recorded runs.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{runsCmd.Flags()},
		},
		{
			name: "Grid.GridProj",
			usage: `
              GridProj gives the projection of the scene grid in Proj4 format.
              Used for setting up the grid and for web mapping.`,
			defaultVal: "+proj=longlat +datum=WGS84 +no_defs",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Grid.MaskShapefile",
			usage: `
              MaskShapefile specifies the path to a shapefile defining the area
              of interest. If MaskShapefile is blank, every grid cell with
              observations is classified; otherwise cells that do not overlap
              any of the mask polygons are excluded.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Grid.IndexVariable",
			usage: `
              IndexVariable specifies which time-resolved variable in the scene
              stack should be clustered. If blank, the stack must contain
              exactly one time-resolved variable, which will be used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.Clusters",
			usage: `
              Clusters is the number of clusters (k) that the grid cells will be
              grouped into.`,
			shorthand:  "k",
			defaultVal: 6,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.Seed",
			usage: `
              Seed is the random number seed used to choose the starting
              centroids. Runs with the same seed and configuration produce
              identical results.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.MaxIter",
			usage: `
              MaxIter is the maximum number of refinement iterations that will
              be run before giving up on convergence.`,
			defaultVal: 100,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.Tolerance",
			usage: `
              Tolerance is the centroid movement threshold below which the
              classification is considered to have converged.`,
			defaultVal: 0.001,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.Standardize",
			usage: `
              Standardize specifies whether each time layer should be scaled to
              zero mean and unit variance before clustering.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Cluster.SmoothPasses",
			usage: `
              SmoothPasses is the number of majority-filter passes applied to
              the cluster labels after convergence. Zero turns smoothing off.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{classifyCmd.Flags()},
		},
		{
			name: "Ingest.Source",
			usage: `
              Source specifies the satellite product the scene files come from.
              Options are "modis" and "sentinel2".`,
			defaultVal: "modis",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.SceneFiles",
			usage: `
              SceneFiles specifies the location of the raw scene files.
              The path can include environment variables and must include the
              string "[DATE]" which will be replaced with the date of each
              scene, in YYYYMMDD format.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.StartDate",
			usage: `
              StartDate is the date of the first scene to ingest, in the format
              YYYYMMDD.`,
			defaultVal: "No Default",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.EndDate",
			usage: `
              EndDate is the date of the last scene to ingest, in the format
              YYYYMMDD.`,
			defaultVal: "No Default",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.X0",
			usage: `
              X0 is the location of the west edge of the grid, in the units of
              the grid projection.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.Y0",
			usage: `
              Y0 is the location of the south edge of the grid, in the units of
              the grid projection.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.Dx",
			usage: `
              Dx is the cell size in the west-east direction, in the units of
              the grid projection.`,
			defaultVal: 1000.0,
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.Dy",
			usage: `
              Dy is the cell size in the south-north direction, in the units of
              the grid projection.`,
			defaultVal: 1000.0,
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.CompositePeriod",
			usage: `
              CompositePeriod is the number of days of observations that are
              combined into each time layer of the stack. Zero keeps every
              observation date as its own layer.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Ingest.CompositeMethod",
			usage: `
              CompositeMethod specifies how scenes within a composite period are
              combined. Options are "mean" and "max".`,
			defaultVal: "mean",
			flagsets:   []*pflag.FlagSet{ingestCmd.Flags()},
		},
		{
			name: "Stats.NamesFile",
			usage: `
              NamesFile is the path to a TOML file assigning descriptive names
              to clusters. If blank, clusters are named automatically from
              their temporal profiles.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{statsCmd.Flags()},
		},
		{
			name: "Stats.XLSXFile",
			usage: `
              XLSXFile is the path where the "stats" command writes a
              spreadsheet version of the cluster summary. If blank, no
              spreadsheet is written.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{statsCmd.Flags()},
		},
		{
			name: "address",
			usage: `
              address is the network address the "serve" command listens on for
              web interface requests.`,
			defaultVal: ":8080",
			flagsets:   []*pflag.FlagSet{serveCmd.Flags()},
		},
	}

	Cfg.SetEnvPrefix("VEGMAP")
	for _, option := range options {
		switch option.defaultVal.(type) {
		case string:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case []string:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case bool:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case int:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case []int:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.IntSliceP(option.name, option.shorthand, option.defaultVal.([]int), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case float64:
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		case map[string]string:
			b := bytes.NewBuffer(nil)
			e := json.NewEncoder(b)
			e.Encode(option.defaultVal)
			s := string(b.Bytes())
			for _, set := range option.flagsets {
				if set.Lookup(option.name) == nil {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
				Cfg.BindPFlag(option.name, set.Lookup(option.name))
			}
		default:
			panic(fmt.Errorf("invalid argument type: %T", option.defaultVal))
		}
	}
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("vegmap: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "vegmap",
	Short: "A vegetation classifier for satellite time series.",
	Long: `VegMAP groups the grid cells of a satellite vegetation-index time
series into map classes by the shape of their seasonal profiles, and
serves the resulting classes as an interactive web map.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'VEGMAP_var' where 'var' is the
name of the variable to be set. Many configuration variables are additionally
allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of VegMAP.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("VegMAP v%s\n", vegmap.Version)
		cmd.Printf("VegMAP v%s\n", vegmap.Version)
	},
	DisableAutoGenTag: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Grid raw satellite scenes into a scene stack.",
	Long: `ingest reads a series of raw satellite vegetation-index scenes,
screens out observations the quality flags mark as unreliable,
optionally combines consecutive scenes into composites, and saves the
result as a gridded scene stack for use with the "classify" command.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := checkSource(Cfg.GetString("Ingest.Source"))
		if err != nil {
			return err
		}
		return Ingest(
			os.ExpandEnv(Cfg.GetString("SceneData")),
			source,
			os.ExpandEnv(Cfg.GetString("Ingest.SceneFiles")),
			Cfg.GetString("Ingest.StartDate"),
			Cfg.GetString("Ingest.EndDate"),
			ingestConfig(Cfg),
		)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Cluster a scene stack into map classes.",
	Long: `classify builds the analysis grid from a scene stack created by the
"ingest" command, groups the grid cells into clusters by the shape of
their temporal profiles, and writes the resulting classes to a
shapefile. The classified domain is also saved so that the "stats" and
"serve" commands can use it without repeating the classification.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		outChan := outChan()
		ctx := context.TODO()
		gc, err := gridConfig(ctx, Cfg, outChan)
		if err != nil {
			return err
		}
		cc, err := clusterConfig(Cfg)
		if err != nil {
			return err
		}
		outputFile, err := checkOutputFile(Cfg.GetString("OutputFile"))
		if err != nil {
			return err
		}
		outputVars, err := checkOutputVars(GetStringMapString("OutputVariables", Cfg))
		if err != nil {
			return err
		}
		sceneData := maybeDownload(ctx, os.ExpandEnv(Cfg.GetString("SceneData")), outChan)
		return Classify(cmd,
			checkLogFile(Cfg.GetString("LogFile"), outputFile),
			outputFile,
			outputVars,
			sceneData,
			os.ExpandEnv(Cfg.GetString("ClassifiedData")),
			os.ExpandEnv(Cfg.GetString("HistoryFile")),
			gc, cc,
		)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the clusters in a classified domain.",
	Long: `stats loads a classified domain saved by the "classify" command and
prints a summary of each cluster: the number of member cells, the area
they cover, the spread around the centroid, and the mean temporal
profile. Descriptive cluster names can be assigned with a TOML file
given in the Stats.NamesFile configuration variable.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		classifiedData := maybeDownload(context.TODO(), os.ExpandEnv(Cfg.GetString("ClassifiedData")), outChan())
		return Stats(classifiedData,
			os.ExpandEnv(Cfg.GetString("Stats.NamesFile")),
			os.ExpandEnv(Cfg.GetString("Stats.XLSXFile")),
			cmd.OutOrStdout(),
		)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web map for a classified domain.",
	Long: `serve loads a classified domain saved by the "classify" command and
starts a web server that shows the map classes as a browsable,
clickable map. Clicking a grid cell shows the temporal profile of that
cell along with the mean profile of its cluster.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		classifiedData := maybeDownload(context.TODO(), os.ExpandEnv(Cfg.GetString("ClassifiedData")), outChan())
		return Serve(classifiedData, Cfg.GetString("address"))
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded classification runs.",
	Long: `runs lists the classification runs recorded in the history database,
newest first. Runs with equal fingerprints were made with equal
configurations, so they are expected to reproduce each other.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ListRuns(os.ExpandEnv(Cfg.GetString("HistoryFile")), Cfg.GetInt("limit"), cmd.OutOrStdout())
	},
}

// outChan returns a channel printing to standard output.
func outChan() chan string {
	outChan := make(chan string)
	go func() {
		for {
			msg := <-outChan
			fmt.Printf(msg)
		}
	}()
	return outChan
}

// StartWebServer starts the web server for running commands from a browser.
func StartWebServer() {
	setConfig() // Ignore any errors for now.

	http.HandleFunc("/setConfig", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		configFile := r.Form["config"][0]
		Root.Flags().Set("config", configFile)
		err := setConfig()
		if err != nil {
			http.Error(w, err.Error(), 204)
			return
		}
		config := make(map[string]interface{})
		for _, option := range options {
			config[option.name] = Cfg.Get(option.name)
		}
		e := json.NewEncoder(w)
		if err := e.Encode(config); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	})

	log.Println("Loading front-end...")

	for _, cmd := range []*cobra.Command{Root, versionCmd, ingestCmd,
		classifyCmd, statsCmd, serveCmd, runsCmd} {
		cmd.SilenceUsage = true // We don't want the usage messages in the GUI.
	}

	const address = "localhost:7171"
	const tmpl = `
<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>VegMAP</title>
	<style>
		html, body {padding: 0; margin: 2% 0; font-family: sans-serif;}
		.container { max-width: 700px; margin: 0 auto; padding: 10px; }
		div[id^="gobra-"] blockquote { border-left: 3px solid #bbb; margin: .3em; color: #333; padding-left: 5px; font-size: 75%; }
		div[id^="gobra-"] code { font-weight: bold; }
		div[id^="gobra-"] input { font-family: monospace; margin-left: .2em; width: 50%; outline:none; }
		.red-border{ border: 1px solid #c35; }
		.green-border{ border: 1px solid #3c5; }
		.blue-border{ border: 1px solid #35c; }
	</style>
</head>
<body>
<div class="container">
	<h1>VegMAP</h1>
	<p>Configure the classification below.</p>
	<p>
		Color key: black=default;
		<font color="red">red</font>=error;
		<font color="green">green</font>=value from config file;
		<font color="blue">blue</font>=user entered
	</p>
	<div>
		{{.}}
	</div>
	<footer>
		© 2020 VegMAP Authors
	</footer>
</div>

<script>
// If the configuration file is changed, send the new file path
// to the server and update fields

let allFlags = [...document.querySelectorAll('[data-name]')];
allFlags.forEach(x => {
	let inputField = x.children[0];
	inputField.addEventListener("input", e => {
		inputField.classList.remove("green-border");
		inputField.classList.add("blue-border");
	})
})

let configInput = allFlags.filter(x => x.dataset.name == "config")[0].children[0];
configInput.addEventListener("input", e => {
	fetch("http://` + address + `/setConfig?config="+configInput.value)
		.then( res => {
			if (res.status !== 200) {
				if (res.status == 204) {
					configInput.classList.remove("blue-border");
					configInput.classList.remove("green-border");
					configInput.classList.add("red-border");
				} else {
					console.log("Error fetching /setConfig: ", response.text());
				}
			} else {
				res.json().then( data => {
					configInput.classList.remove("red-border");
					for (let key in data)
						for(let f of allFlags)
							if (f.dataset.name == key) {
								let input = f.children[0];
								var newValue = JSON.stringify(data[key]).replace(/^"+|"+$/g,'');
								if (input.value != newValue) {
									input.value = newValue
									input.classList.remove("blue-border");
									input.classList.add("green-border");
								}
							}
				})
			}
		})
		.catch( err => {
			console.log("Error fetching /setConfig", err)
		})
})
</script>
</body>
</html>`

	output := template.Must(template.New("").Parse(tmpl))
	server := gobra.Server{Root: Root, ServerAddress: address, AllowCORS: false, HTML: output}
	log.Println("Server starting... ")
	open.Run("http://" + address)
	fmt.Println("If not opened automatically, please visit http://localhost:7171")
	server.Start()
}
