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

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/unixpickle/squidtun/std"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

// globalStats is shared between the tunnel sessions, the stats logger, and
// the SIGUSR1 handler on unix builds.
var globalStats std.Stats

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "squidtun-client"
	myApp.Usage = "tunnel a local TCP port through an HTTP forward proxy"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "password, p",
			Value: "",
			Usage: "password to prove knowledge of when opening sessions",
		},
		cli.StringFlag{
			Name:  "local-address, l",
			Value: "127.0.0.1:2222",
			Usage: "local address to accept tunneled connections on",
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
			Usage: "suppress the 'tunnel opened/closed' messages",
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
	myApp.ArgsUsage = "<proxy-addr> <host>"
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.ProxyAddr = c.Args().Get(0)
		config.Host = c.Args().Get(1)
		config.Password = c.String("password")
		config.LocalAddr = c.String("local-address")
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

		if config.ProxyAddr == "" || config.Host == "" {
			return cli.NewExitError("missing <proxy-addr> <host> arguments", 1)
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("proxy address:", config.ProxyAddr)
		log.Println("host header:", config.Host)
		log.Println("local address:", config.LocalAddr)
		log.Println("compression:", !config.NoComp)
		log.Println("quiet:", config.Quiet)

		if config.Password == "" {
			color.Red("WARNING: no -password set, matching an unauthenticated server")
		}

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		go std.StatsLogger(&globalStats, config.StatsLog, config.StatsPeriod)

		listener := &ClientListener{
			LocalAddr: config.LocalAddr,
			ProxyAddr: config.ProxyAddr,
			Host:      config.Host,
			Password:  config.Password,
			Compress:  !config.NoComp,
			Quiet:     config.Quiet,
			Stats:     &globalStats,
		}
		return listener.ListenAndServe()
	}
	myApp.Run(os.Args)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
