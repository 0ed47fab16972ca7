package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/ndlib/remora/config"
	"github.com/ndlib/remora/digest"
	"github.com/ndlib/remora/engine"
	"github.com/ndlib/remora/server"
	"github.com/ndlib/remora/state"
)

var (
	configPath = flag.String("c", "remora.toml", "location of the configuration file")
	stateDir   = flag.String("s", ".", "location of the statefile directory")
	dryrun     = flag.Bool("dry", false, "report what would be done without doing it")
	only       = flag.String("repo", "", "consider only the named repository")
	port       = flag.String("port", "14000", "port for the status server")
	host       = flag.String("host", "http://localhost:14000", "status server to query")
	debug      = flag.Bool("debug", false, "log with file positions")
	usage      = `
remora [flags] <command>

Possible commands:
    run

    check

    config

    server

    status
`
)

func main() {
	flag.Parse()
	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	var err error
	switch args[0] {
	case "run":
		err = engine.Run(engine.Spec{
			ConfigPath: *configPath,
			StateDir:   *stateDir,
			Dry:        *dryrun,
			Repo:       *only,
		})
	case "check":
		err = docheck()
	case "config":
		fmt.Print(config.Minimal())
	case "server":
		err = doserver()
	case "status":
		err = dostatus()
	default:
		fmt.Println(usage)
	}
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// docheck runs a dry scheduling pass and reports which repository would be
// backed up next. The statefile is left untouched.
func docheck() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	statefile := filepath.Join(*stateDir, cfg.StatefileName)
	status, err := state.Check(statefile, cfg, true, *only, digest.Paths)
	if err != nil {
		return err
	}
	if id, ok := status.Next(); ok {
		fmt.Printf("%s needs an update\n", id)
	} else {
		fmt.Println("Nothing to do")
	}
	return nil
}

func doserver() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	s := &server.StatusServer{
		PortNumber: *port,
		Statefile:  filepath.Join(*stateDir, cfg.StatefileName),
		Config:     cfg,
	}

	// handle ctrl-c
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Stopping server")
		s.Stop()
	}()

	return s.Run()
}

// dostatus asks a running status server for its statefile records and
// prints them as a table.
func dostatus() error {
	resp, err := http.Get(*host + "/state")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("Received status %d from %s", resp.StatusCode, *host)
	}
	v, err := jason.NewValueFromReader(resp.Body)
	if err != nil {
		return err
	}
	entries, err := v.Array()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tLAST CHANGE\tDIGEST\t")
	for _, entry := range entries {
		obj, err := entry.Object()
		if err != nil {
			return err
		}
		id, _ := obj.GetString("id")
		seconds, _ := obj.GetInt64("time")
		hexdigest, _ := obj.GetString("digest")
		orphan, _ := obj.GetBoolean("orphan")

		when := "never"
		if seconds > 0 {
			when = time.Unix(seconds, 0).Format("2006-01-02 15:04:05")
		}
		if len(hexdigest) > 12 {
			hexdigest = hexdigest[:12]
		}
		if hexdigest == "" {
			hexdigest = "-"
		}
		if orphan {
			id += " (orphan)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", id, when, hexdigest)
	}
	return w.Flush()
}
