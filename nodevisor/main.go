// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nodevisor is a client for nodevisord.  It uses subcommands.
//
// The flags are
//
//	-a <address>	- select the server address, default is
//			  http://127.0.0.1:3000
//	-u <user:pass>	- user name & password for basic auth
//	-l <file>	- write a debug log for the terminal viewer
//
// Subcommands are
//
//	ps                        - list the running processes
//	start                     - start the default process
//	stop [<id>]               - stop a process (or the default)
//	restart [<id>]            - restart a process (or the default)
//	run <dir> [<main>]        - start a project
//	exec <command> [<dir>]    - run a one-off shell command
//	log                       - print the log
//	tail                      - print the log as it grows
//	clear                     - clear the log
//	config [<main> <on|off>]  - show or change the startup configuration
//	system                    - show system information
//	history [<limit>]         - show recent runs
//	health                    - show server health
//	ui                        - run the terminal viewer (the default)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/history"
	"github.com/gdamore/nodevisor/nodevisor/ui"
	"github.com/gdamore/nodevisor/nodevisor/util"
	"github.com/gdamore/nodevisor/rest"
)

var addr string = "http://127.0.0.1:3000"
var auth string = ""
var logFile string = ""

func usage() {
	log.Fatalf("Usage: %s [-a <address>] [-u <user:pass>] <subcommand>",
		os.Args[0])
}

func fail(e error) {
	if e != nil {
		log.Fatalf("Failed: %v", e)
	}
}

func showProcess(p *rest.ProcessInfo) {
	fmt.Printf("%-16s %-9s %7d %10s  %s/%s\n", p.Id, util.Status(p), p.Pid,
		util.FormatDuration(util.Uptime(p)), p.ProjectPath, p.MainFile)
}

func printRecords(recs []rest.LogRecord) {
	for _, r := range recs {
		fmt.Print(r.Line())
	}
}

// tail prints the log, and then whatever is added to it, until
// interrupted.
func tail(client *rest.Client) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	li, e := client.GetLog()
	fail(e)
	printRecords(li.Records)
	for {
		nli, e := client.WatchLog(ctx, li)
		if ctx.Err() != nil {
			return
		}
		fail(e)
		if nli == li {
			continue
		}
		// The log is a ring, so match up on the record ids.
		var last int64
		if n := len(li.Records); n > 0 {
			last = li.Records[n-1].Id
		}
		for i, r := range nli.Records {
			if r.Id > last {
				printRecords(nli.Records[i:])
				break
			}
		}
		li = nli
	}
}

func onOff(s string) bool {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true
	case "off", "false", "no", "0":
		return false
	}
	usage()
	return false
}

func main() {
	flag.StringVar(&addr, "a", addr, "nodevisord address")
	flag.StringVar(&auth, "u", auth, "user:pass authentication")
	flag.StringVar(&logFile, "l", logFile, "debug log file for the ui")
	flag.Parse()

	client := rest.NewClient(nil, addr)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			log.Fatalf("Bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"ui"}
	}

	switch args[0] {
	case "ps":
		if len(args) != 1 {
			usage()
		}
		procs, e := client.Processes()
		fail(e)
		util.SortProcesses(procs)
		for i := range procs {
			showProcess(&procs[i])
		}

	case "start":
		if len(args) != 1 {
			usage()
		}
		id, e := client.StartDefault()
		fail(e)
		fmt.Println(id)

	case "stop":
		switch len(args) {
		case 1:
			fail(client.StopDefault())
		case 2:
			fail(client.Stop(args[1]))
		default:
			usage()
		}

	case "restart":
		var id string
		var e error
		switch len(args) {
		case 1:
			id, e = client.RestartDefault()
		case 2:
			id, e = client.Restart(args[1])
		default:
			usage()
		}
		fail(e)
		fmt.Println(id)

	case "run":
		if len(args) < 2 || len(args) > 3 {
			usage()
		}
		entry := ""
		if len(args) == 3 {
			entry = args[2]
		}
		id, e := client.Run(args[1], entry)
		fail(e)
		fmt.Println(id)

	case "exec":
		if len(args) < 2 || len(args) > 3 {
			usage()
		}
		cwd := ""
		if len(args) == 3 {
			cwd = args[2]
		}
		fail(client.Execute(args[1], cwd))

	case "log":
		if len(args) != 1 {
			usage()
		}
		li, e := client.GetLog()
		fail(e)
		printRecords(li.Records)

	case "tail":
		if len(args) != 1 {
			usage()
		}
		tail(client)

	case "clear":
		if len(args) != 1 {
			usage()
		}
		fail(client.ClearLogs())

	case "config":
		switch len(args) {
		case 1:
		case 3:
			fail(client.SetStartupConfig(nodevisor.StartupConfig{
				MainFile:    args[1],
				AutoInstall: onOff(args[2]),
			}))
		default:
			usage()
		}
		sc, e := client.StartupConfig()
		fail(e)
		fmt.Printf("Main file:    %s\n", sc.MainFile)
		fmt.Printf("Auto install: %v\n", sc.AutoInstall)

	case "system":
		if len(args) != 1 {
			usage()
		}
		si, e := client.System()
		fail(e)
		fmt.Printf("Node:      %s\n", si.NodeVersion)
		fmt.Printf("Npm:       %s\n", si.NpmVersion)
		fmt.Printf("Platform:  %s/%s\n", si.Platform, si.Arch)
		fmt.Printf("Hostname:  %s\n", si.Hostname)
		fmt.Printf("Uptime:    %s\n",
			util.FormatDuration(time.Duration(si.Uptime*float64(time.Second))))
		fmt.Printf("Memory:    %d bytes in use\n", si.Memory.HeapUsed)
		fmt.Printf("Processes: %d\n", si.Processes)

	case "history":
		limit := 20
		switch len(args) {
		case 1:
		case 2:
			n, e := strconv.Atoi(args[1])
			if e != nil {
				usage()
			}
			limit = n
		default:
			usage()
		}
		runs, e := client.History(limit)
		fail(e)
		for _, r := range runs {
			code := "-"
			if r.ExitCode != nil {
				code = strconv.Itoa(*r.ExitCode)
			}
			what := r.ProjectPath + "/" + r.MainFile
			if r.Kind == history.KindCommand {
				what = r.Command
			}
			fmt.Printf("%s %-8s %4s  %s\n",
				r.StartTime.Format(time.DateTime), r.Kind, code, what)
		}

	case "health":
		h, e := client.Health()
		fail(e)
		fmt.Printf("Status:      %s\n", h.Status)
		fmt.Printf("Default:     %s\n", h.Default)
		fmt.Printf("Processes:   %d\n", h.Processes)
		fmt.Printf("Subscribers: %d\n", h.Subscribers)
		fmt.Printf("Live:        %d\n", h.LiveClients)

	case "ui":
		doUI(client, addr)

	default:
		usage()
	}
}

func doUI(client *rest.Client, url string) {
	app := ui.NewApp(client, url)
	if logFile != "" {
		f, e := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		fail(e)
		defer f.Close()
		app.SetLogger(log.New(f, "", log.LstdFlags))
	}
	app.Run()
}
