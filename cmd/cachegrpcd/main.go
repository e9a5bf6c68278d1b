// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cachegrpcd is the remote cache access proxy server (C1/C10).
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/projectcontour/cachegrpc/internal/build"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("cachegrpcd", "Remote cache access proxy.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	version := app.Command("version", "Build information for cachegrpcd.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case serve.FullCommand():
		if err := serveCtx.config.Validate(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		if serveCtx.config.Debug {
			log.SetLevel(logrus.DebugLevel)
		}
		if err := doServe(log, serveCtx); err != nil {
			log.WithError(err).Fatal("cachegrpcd server failed")
		}
	case version.FullCommand():
		println(build.PrintBuildInfo())
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
