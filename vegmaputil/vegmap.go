/*
Copyright © 2013 the VegMAP authors.
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
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/spatialmodel/vegmap"
	"github.com/spatialmodel/vegmap/internal/hash"
	"github.com/spatialmodel/vegmap/internal/history"
	"github.com/spf13/cobra"
)

func getSceneData(sceneData string, Grid *vegmap.GridConfig) (*vegmap.SceneData, error) {
	log.Println("Reading scene data...")

	f, err := os.Open(sceneData)
	if err != nil {
		return nil, fmt.Errorf("problem loading scene data: %v", err)
	}
	defer f.Close()
	data, err := Grid.LoadSceneData(f)
	if err != nil {
		return nil, fmt.Errorf("problem loading scene data: %v", err)
	}
	return data, nil
}

// Classify classifies a scene stack into map classes.
//
// CobraCommand is the cobra.Command instance where Classify is called from.
// It is needed to print certain outputs to the web interface.
//
// LogFile is the path to the desired logfile location. It can include
// environment variables.
//
// OutputFile is the path to the desired output shapefile location. It can
// include environment variables.
//
// OutputVariables specifies which model variables should be included in the
// output file.
//
// SceneData is the path to the gridded scene stack created by Ingest.
//
// ClassifiedData is the path where the classified domain will be saved
// for later use by Stats and Serve.
//
// HistoryFile is the path to the database where a record of the run is
// kept. If it is empty, the run is not recorded.
//
// Grid provides information for setting up the analysis grid, and Cluster
// controls the clustering.
func Classify(CobraCommand *cobra.Command, LogFile, OutputFile string, OutputVariables map[string]string,
	SceneData, ClassifiedData, HistoryFile string,
	Grid *vegmap.GridConfig, Cluster *vegmap.ClusterConfig) error {

	startTime := time.Now()

	var upload uploader

	// Send all log messages to both the command output and the log file.
	logfile, err := os.Create(upload.maybeUpload(LogFile))
	if err != nil {
		return fmt.Errorf("vegmap: problem creating log file: %v", err)
	}
	defer logfile.Close()
	mw := io.MultiWriter(CobraCommand.OutOrStdout(), logfile)
	log.SetOutput(mw)

	// Receive and print convergence reports, keeping the most
	// recent one for the run history.
	cConverge := make(chan vegmap.ConvergenceStatus)
	var lastStatus vegmap.ConvergenceStatus
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		for msg := range cConverge {
			lastStatus = msg
			log.Println(msg.String())
		}
		wg.Done()
	}()

	o, err := vegmap.NewOutputter(upload.maybeUpload(OutputFile), OutputVariables)
	if err != nil {
		return err
	}

	w, err := os.Create(upload.maybeUpload(ClassifiedData))
	if err != nil {
		return fmt.Errorf("vegmap: problem creating file to save the classified domain: %v", err)
	}
	defer w.Close()

	if upload.err != nil {
		return upload.err
	}

	data, err := getSceneData(SceneData, Grid)
	if err != nil {
		return err
	}

	d := new(vegmap.VegMap)
	d.InitFuncs = []vegmap.DomainManipulator{
		Grid.RegularGrid(data),
		Cluster.SeedCentroids(),
		o.CheckOutputVars(),
	}
	d.RunFuncs = []vegmap.DomainManipulator{
		vegmap.Log(mw),
		vegmap.Calculations(vegmap.AssignClusters(d)),
		Cluster.UpdateCentroids(),
		Cluster.ConvergenceCheck(cConverge),
	}
	d.CleanupFuncs = []vegmap.DomainManipulator{
		Cluster.SmoothLabels(),
		o.Output(),
		vegmap.Save(w),
		upload.uploadOutput,
	}

	log.Println("Initializing classification...")
	if err = d.Init(); err != nil {
		return fmt.Errorf("VegMAP: problem initializing classification: %v\n", err)
	}
	log.Printf("Classifying %d grid cells into %d clusters.", len(d.Cells()), Cluster.Clusters)

	if err = d.Run(); err != nil {
		return fmt.Errorf("VegMAP: problem running classification: %v\n", err)
	}

	if err = d.Cleanup(); err != nil {
		return fmt.Errorf("VegMAP: problem finishing classification: %v\n", err)
	}
	close(cConverge)
	wg.Wait()

	elapsedTime := time.Since(startTime)
	log.Printf("Elapsed time: %f hours", elapsedTime.Hours())

	if HistoryFile != "" {
		err = recordRun(HistoryFile, &history.Run{
			Fingerprint: hash.Fingerprint(SceneData, *Grid, *Cluster),
			Scene:       SceneData,
			Variable:    d.IndexName,
			Clusters:    Cluster.Clusters,
			Iterations:  lastStatus.Iteration,
			Inertia:     d.Inertia(),
			Cells:       len(d.Cells()),
			Output:      OutputFile,
			StartedAt:   startTime,
			Walltime:    elapsedTime,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recordRun adds a record of a finished classification run to the
// history database.
func recordRun(historyFile string, r *history.Run) error {
	s, err := history.Open(historyFile)
	if err != nil {
		return fmt.Errorf("vegmap: problem opening run history: %v", err)
	}
	defer s.Close()
	if err := s.Record(r); err != nil {
		return fmt.Errorf("vegmap: problem recording run: %v", err)
	}
	log.Printf("Recorded run %d with fingerprint %s.", r.ID, shortFingerprint(r.Fingerprint))
	return nil
}

func shortFingerprint(f string) string {
	if len(f) > 8 {
		return f[0:8]
	}
	return f
}

// Ingest grids a series of raw satellite scenes into a scene stack and
// saves it at the path given by SceneData.
//
// source specifies the satellite product the scenes come from; acceptable
// values are "modis" and "sentinel2". sceneFiles is the location of the
// raw scene files, where the string "[DATE]" is replaced with the date of
// each scene. startDate and endDate give the dates of the first and last
// scenes in the format YYYYMMDD.
func Ingest(SceneData, source, sceneFiles, startDate, endDate string, cfg *vegmap.IngestConfig) error {
	msgLog := make(chan string)
	go func() {
		for msg := range msgLog {
			log.Println(msg)
		}
	}()

	var src vegmap.SceneSource
	var err error
	switch source {
	case "modis":
		src, err = vegmap.NewMODIS(sceneFiles, startDate, endDate, msgLog)
	case "sentinel2":
		src, err = vegmap.NewSentinel2(sceneFiles, startDate, endDate, msgLog)
	default:
		return fmt.Errorf("vegmap: invalid scene source `%s`", source)
	}
	if err != nil {
		return err
	}

	log.Println("Gridding scenes...")
	data, err := vegmap.Ingest(src, cfg)
	if err != nil {
		return err
	}

	w, err := os.Create(SceneData)
	if err != nil {
		return fmt.Errorf("problem creating file to store scene data in: %v", err)
	}
	defer w.Close()
	if err = data.Write(w); err != nil {
		return err
	}
	log.Printf("Finished writing scene stack to %s.", SceneData)
	return nil
}

// loadClassified loads a classified domain that was saved by Classify.
func loadClassified(classifiedData string) (*vegmap.VegMap, error) {
	f, err := os.Open(classifiedData)
	if err != nil {
		return nil, fmt.Errorf("problem opening file to load ClassifiedData: %v", err)
	}
	defer f.Close()
	d := &vegmap.VegMap{
		InitFuncs: []vegmap.DomainManipulator{
			vegmap.Load(f),
		},
	}
	if err = d.Init(); err != nil {
		return nil, fmt.Errorf("VegMAP: problem loading classified domain: %v", err)
	}
	return d, nil
}

// Stats writes a summary of the clusters in the classified domain saved
// at classifiedData to w. namesFile optionally gives the location of a
// TOML file assigning descriptive names to the clusters, and xlsxFile
// optionally gives a location to write a spreadsheet version of the
// summary to.
func Stats(classifiedData, namesFile, xlsxFile string, w io.Writer) error {
	d, err := loadClassified(classifiedData)
	if err != nil {
		return err
	}
	summary := d.Summary()
	if err = summary.DescribeClusters(namesFile); err != nil {
		return err
	}
	if xlsxFile != "" {
		if err = summary.WriteXLSX(xlsxFile); err != nil {
			return err
		}
		log.Printf("Wrote cluster statistics to %s.", xlsxFile)
	}
	return summary.Write(w)
}

// Serve starts the web interface for the classified domain saved at
// classifiedData, listening on the given network address. It does not
// return unless there is a problem with the server.
func Serve(classifiedData, address string) error {
	d, err := loadClassified(classifiedData)
	if err != nil {
		return err
	}
	log.Printf("Serving the web interface at %s.", address)
	return vegmap.HTMLUI(address)(d)
}

// ListRuns writes the classification runs recorded in the history
// database at historyFile to w, newest first. limit caps the number of
// runs written; nonpositive values write all of them.
func ListRuns(historyFile string, limit int, w io.Writer) error {
	s, err := history.Open(historyFile)
	if err != nil {
		return fmt.Errorf("vegmap: problem opening run history: %v", err)
	}
	defer s.Close()
	runs, err := s.List(limit)
	if err != nil {
		return fmt.Errorf("vegmap: problem listing runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "The run history is empty.")
		return nil
	}
	fmt.Fprintf(w, "%-4s %-8s %-19s %8s %3s %6s %12s %9s  %s\n",
		"run", "fngrprnt", "started", "cells", "k", "iters", "inertia", "walltime", "output")
	for _, r := range runs {
		fmt.Fprintf(w, "%-4d %-8s %-19s %8d %3d %6d %12.6g %9s  %s\n",
			r.ID, shortFingerprint(r.Fingerprint), r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Cells, r.Clusters, r.Iterations, r.Inertia, r.Walltime.Round(time.Second), r.Output)
	}
	return nil
}
