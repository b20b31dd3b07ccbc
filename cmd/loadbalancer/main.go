package main

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// The deployment runs one leader and N follower gateways; this edge
// process spreads clients across them round-robin. The gateways own all
// admission and backpressure decisions, the balancer only converts a
// dead backend into a 503.
type lbConfig struct {
	Backends   []string `envconfig:"BACKENDS" default:"http://gateway-1:9999,http://gateway-2:9999"`
	ListenAddr string   `envconfig:"LISTEN_ADDR" default:"0.0.0.0:9999"`
}

// rotation picks backends round-robin with a single atomic counter.
type rotation struct {
	backends []*url.URL
	counter  atomic.Uint64
}

func newRotation(raw []string) (*rotation, error) {
	rot := &rotation{}
	for _, b := range raw {
		u, err := url.Parse(b)
		if err != nil {
			return nil, err
		}
		rot.backends = append(rot.backends, u)
	}
	return rot, nil
}

func (r *rotation) next() *url.URL {
	return r.backends[r.counter.Add(1)%uint64(len(r.backends))]
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var cfg lbConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	rot, err := newRotation(cfg.Backends)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backend URL")
	}

	dialer := &net.Dialer{Timeout: 500 * time.Millisecond, KeepAlive: 30 * time.Second}
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			backend := rot.next()
			req.URL.Scheme = backend.Scheme
			req.URL.Host = backend.Host
		},
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 200,
			IdleConnTimeout:     30 * time.Second,
			DisableCompression:  true,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("backend unavailable")
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      proxy,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", cfg.ListenAddr).Strs("backends", cfg.Backends).Msg("load balancer listening")
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
