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

// Command vegmapweb is a standalone web map server for classified
// VegMAP domains.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/vegmap"
)

var logger *logrus.Logger

func init() {
	logger = logrus.StandardLogger()
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
		DisableSorting:  true,
	})
}

// ServerConfig holds the configuration of the server.
type ServerConfig struct {
	// ClassifiedData is the path to the classified domain to serve, as
	// saved by the `vegmap classify` command.
	ClassifiedData string

	// Address is the network address to listen on.
	Address string

	// CertFile and KeyFile are the paths to the TLS certificate and key.
	// If either is empty, the server runs without TLS.
	CertFile, KeyFile string
}

var config = flag.String("config", "vegmapweb_config.toml", "Path to the configuration file")

func main() {
	flag.Parse()

	f, err := os.Open(os.ExpandEnv(*config))
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	var c ServerConfig
	_, err = toml.DecodeReader(f, &c)
	if err != nil {
		log.Fatal(err)
	}
	if c.Address == "" {
		c.Address = ":10000"
	}

	logger.Info("setting up...")
	r, err := os.Open(os.ExpandEnv(c.ClassifiedData))
	if err != nil {
		logger.WithError(err).Fatal("failed to open classified domain")
	}
	d := &vegmap.VegMap{
		InitFuncs: []vegmap.DomainManipulator{vegmap.Load(r)},
	}
	if err = d.Init(); err != nil {
		logger.WithError(err).Fatal("failed to load classified domain")
	}
	r.Close()
	s := vegmap.NewWebServer(d)
	s.Log = logger

	srv := &http.Server{
		Addr:              c.Address,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig: &tls.Config{
			PreferServerCipherSuites: true,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		},
	}

	if c.CertFile != "" && c.KeyFile != "" {
		logger.Infof("listening on https://%s\n", c.Address)
		logger.Fatal(srv.ListenAndServeTLS(os.ExpandEnv(c.CertFile), os.ExpandEnv(c.KeyFile)))
	}
	logger.Infof("listening on http://%s\n", c.Address)
	logger.Fatal(srv.ListenAndServe())
}
