package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// InitDiagnostics serves metrics of |reg|, a liveness check, and debugging
// services over |addr|. An empty |addr| disables the listener.
func InitDiagnostics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars.

	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.WithFields(log.Fields{"addr": addr, "err": err}).
				Error("diagnostics listener failed")
		}
	}()
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
