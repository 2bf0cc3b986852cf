package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/openrescue/rescuectl/console"
	"github.com/openrescue/rescuectl/rescue"
	"github.com/openrescue/rescuectl/uart"
)

var connTo = flag.String("c", "", "connection string, use socket://[host]:[port] for TCP or [serialDevice] for direct serial connection ")
var httpServe = flag.String("s", "", "start http server at [bindtohost][:]port")
var verbose = flag.Bool("v", false, "verbose logging")

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

// To be set via go build -ldflags "-X main.buildVersion=$(date -u +%FT%TZ) -X main.buildDate=$(git describe --dirty)"
var buildVersion = "unspecified"
var buildDate = "unknown"

var sess *rescue.Session

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var bm *rescue.BadModeError
	if errors.As(err, &bm) {
		code = http.StatusBadRequest
	} else if errors.Is(err, console.ErrTimeout) {
		code = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(code)
	w.Write([]byte(err.Error() + "\n"))
}

func enterRescue(w http.ResponseWriter, r *http.Request) {
	reset := r.URL.Query().Get("reset") != ""
	if err := sess.Enter(reset); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func setMode(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	tag, err := rescue.TagFromString(params["tag"])
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sess.SetMode(tag); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func setSpeed(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	baud, err := strconv.Atoi(params["baud"])
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sess.SetSpeed(baud); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func waitMode(w http.ResponseWriter, r *http.Request) {
	if err := sess.Wait(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func reboot(w http.ResponseWriter, r *http.Request) {
	if err := sess.Reboot(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func sendData(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sess.Send(data); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func recvData(w http.ResponseWriter, r *http.Request) {
	data, err := sess.Recv()
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "{\"version\": %q, \"build_date\": %q}\n", buildVersion, buildDate)
}

func main() {
	flag.Parse()

	if *verbose == true {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	if *connTo == "" {
		log.Fatal("Need connection string in -c option")
		os.Exit(1)
	}
	if *httpServe == "" {
		log.Fatal("Need http server address in -s option")
		os.Exit(1)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	done := make(chan os.Signal, 1)

	signal.Notify(done,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		<-done

		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				log.Fatal("could not create memory profile: ", err)
			}
			runtime.GC() // get up-to-date statistics
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatal("could not write memory profile: ", err)
			}
			f.Close()
		}
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		os.Exit(0)
	}()

	port, err := uart.Open(*connTo)
	if err != nil {
		log.Fatalf("Could not open %v: %v", *connTo, err)
	}
	defer port.Close()

	// DTR reset only works on a direct serial connection.
	var target rescue.Target
	if t, ok := port.(rescue.Target); ok {
		target = t
	}

	sess = rescue.NewSession(port, target)

	router := mux.NewRouter()

	router.HandleFunc("/enter", enterRescue).Methods("POST")
	router.HandleFunc("/mode/{tag}", setMode).Methods("POST")
	router.HandleFunc("/speed/{baud}", setSpeed).Methods("POST")
	router.HandleFunc("/wait", waitMode).Methods("POST")
	router.HandleFunc("/reboot", reboot).Methods("POST")
	router.HandleFunc("/data", sendData).Methods("PUT")
	router.HandleFunc("/data", recvData).Methods("GET")
	router.HandleFunc("/version", versionInfo).Methods("GET")

	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(*httpServe); err == nil {
		*httpServe = fmt.Sprintf(":%d", i)
	}

	h := &http.Server{Addr: *httpServe, Handler: router}
	log.Infof("serving rescue API at %v", *httpServe)
	log.Error(h.ListenAndServe())
}
