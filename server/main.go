// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/unixpickle/squidtun/std"
	"github.com/unixpickle/squidtun/tunnel"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

// sweepInterval is how often the session table is checked for sessions
// that have gone idle past tunnel.IdleTimeout.
const sweepInterval = 1 * time.Second

// typicalClockSkewSeconds is the rough amount of drift an unsynchronized
// client clock can accumulate; a -window narrower than this risks rejecting
// legitimate clients rather than just shrinking the replay surface.
const typicalClockSkewSeconds = 5

// globalStats is shared between the HTTP router, the stats logger, and the
// SIGUSR1 handler on unix builds.
var globalStats std.Stats

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "squidtun-server"
	myApp.Usage = "HTTP tunnel server, relays sessions to a single backend address"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remote, r",
			Value: "127.0.0.1:22",
			Usage: "backend address every tunneled session connects to",
		},
		cli.StringFlag{
			Name:   "password, p",
			Value:  "",
			Usage:  "shared secret clients must prove knowledge of to open a session",
			EnvVar: "SQUIDTUN_PASSWORD",
		},
		cli.Int64Flag{
			Name:  "window",
			Value: tunnel.DefaultProofWindow,
			Usage: "seconds of clock skew tolerated on either side of a connect proof",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression of tunnel payloads",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect stats to file, aware of timeformat in golang, like: ./stats-20060102.log",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress the 'session opened/closed' messages",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Addr = c.Args().First()
		config.Remote = c.String("remote")
		config.Password = c.String("password")
		config.Window = c.Int64("window")
		config.NoComp = c.Bool("nocomp")
		config.StatsLog = c.String("statslog")
		config.StatsPeriod = c.Int("statsperiod")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		if config.Addr == "" {
			return cli.NewExitError("missing listen address argument", 1)
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("listening on:", config.Addr)
		log.Println("backend:", config.Remote)
		log.Println("compression:", !config.NoComp)
		log.Println("proof window:", config.Window)
		log.Println("quiet:", config.Quiet)

		if config.Password == "" {
			color.Red("WARNING: no -password set, any client can open tunnel sessions")
		}
		if config.Window > 0 && config.Window < typicalClockSkewSeconds {
			color.Red("WARNING: -window %d is narrower than typical clock skew (%ds), valid clients may be rejected", config.Window, typicalClockSkewSeconds)
		}

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		table := tunnel.NewSessionTable()
		go sweepLoop(table)

		go std.StatsLogger(&globalStats, config.StatsLog, config.StatsPeriod)

		router := &Router{
			Table:    table,
			Password: config.Password,
			Window:   config.Window,
			Remote:   config.Remote,
			Compress: !config.NoComp,
			Quiet:    config.Quiet,
			Stats:    &globalStats,
		}

		return http.ListenAndServe(config.Addr, router)
	}
	myApp.Run(os.Args)
}

func sweepLoop(table *tunnel.SessionTable) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		removed := table.Sweep()
		atomic.AddInt64(&globalStats.SessionsTimedOut, int64(removed))
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
