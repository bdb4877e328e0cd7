// Package metrics exposes the daemons' Prometheus metrics via the
// /metrics route, along with /healthz for service health and
// /goroutinez for debugging.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fausecteam/ctf-gameserver/internal/daemon"
)

var log = logrus.WithField("prefix", "metrics")

// Service serves all metrics registered with the Prometheus
// DefaultRegisterer over HTTP.
type Service struct {
	server      *http.Server
	svcRegistry *daemon.ServiceRegistry
	failStatus  error
}

// NewService sets up a new instance for a given address host:port. An
// empty host matches any IP, so an address like ":9100" is perfectly
// acceptable.
func NewService(addr string, svcRegistry *daemon.ServiceRegistry) *Service {
	s := &Service{svcRegistry: svcRegistry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/goroutinez", s.goroutinezHandler)

	s.server = &http.Server{Addr: addr, Handler: mux}

	return s
}

// ValidateAddr checks that addr can be used as a listen address.
func ValidateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return errors.Wrap(err, `listen address needs to be specified as "<host>:<port>"`)
}

func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := s.svcRegistry.Statuses()
	hasError := false
	var buf bytes.Buffer
	for k, v := range statuses {
		var status string
		if v == nil {
			status = "OK"
		} else {
			hasError = true
			status = "ERROR " + v.Error()
		}

		if _, err := buf.WriteString(fmt.Sprintf("%s: %s\n", k, status)); err != nil {
			hasError = true
		}
	}

	if hasError {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Errorf("Could not write healthz body %v", err)
	}
}

func (s *Service) goroutinezHandler(w http.ResponseWriter, _ *http.Request) {
	stack := debug.Stack()
	// #nosec G104
	w.Write(stack)
	// #nosec G104
	pprof.Lookup("goroutine").WriteTo(w, 2)
}

// Start the metrics service.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting service")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen to host:port %s: %v", s.server.Addr, err)
			s.failStatus = err
		}
	}()
}

// Stop the service gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status checks for any service failure conditions.
func (s *Service) Status() error {
	if s.failStatus != nil {
		return s.failStatus
	}
	return nil
}
