package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"sync"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/remora/config"
)

// Version is the version string reported by the welcome route. Overridden
// at link time for release builds.
var Version = "devel"

// StatusServer answers read-only questions about the statefile and the
// configured repositories over HTTP.
//
// Set the public fields and then call Run. Run will listen on the given
// port and block handling requests. Do not change any fields after calling
// Run.
//
// The server never mutates the statefile. The one route that runs the
// scheduler, POST /check, always runs it dry.
type StatusServer struct {
	// Port number to listen on. No default; the caller chooses.
	PortNumber string

	// Statefile is the path of the statefile to report on.
	Statefile string

	// Config is the loaded configuration. Run panics if it is nil.
	Config *config.Config

	server  httpdown.Server // used to close our listening socket
	checkmu sync.Mutex      // serializes scheduling passes over the statefile
}

// Run starts the server. It blocks listening for and handling http
// requests.
func (s *StatusServer) Run() error {
	log.Println("==========")
	log.Printf("Starting status server version %s", Version)
	log.Printf("Statefile = %s", s.Statefile)

	if s.Config == nil {
		panic("No configuration given. Config is nil.")
	}

	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{Stats: counters{}}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and returns once in-flight requests have
// drained.
func (s *StatusServer) Stop() error {
	return s.server.Stop()
}

func (s *StatusServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/", WelcomeHandler},
		{"GET", "/state", s.StateHandler},
		{"GET", "/state/:id", s.StateIDHandler},
		{"GET", "/repositories", s.RepositoriesHandler},
		{"POST", "/check", s.CheckHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// counters routes httpdown's connection counters into expvar, so they are
// visible under /debug/vars alongside everything else.
type counters struct{}

var httpCounts = expvar.NewMap("http")

func (counters) BumpAvg(key string, val float64)       {}
func (counters) BumpHistogram(key string, val float64) {}
func (counters) BumpSum(key string, val float64)       { httpCounts.Add(key, int64(val)) }
func (counters) BumpTime(key string) interface{ End() } {
	return endNothing{}
}

type endNothing struct{}

func (endNothing) End() {}

var _ stats.Client = counters{}

// General route handlers and convinence functions

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Remora (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
