// Package daemon provides the shared startup/shutdown scaffolding for the
// CHAPPS service binaries under cmd/: load config, open the cache and
// config stores, install a SIGHUP/SIGTERM handler, and run the listener
// until signalled, mirroring the original per-policy service scripts
// (chapps_outbound_quota.py and friends) one Go binary per service.
package daemon

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/cachestore"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
)

// Listen binds addr for a policy service's TCP listener. Go's net package
// does not expose accept-backlog tuning, so listener_backlog (§6) is not
// applied; the OS default backlog is used.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Stores bundles the two adapters every CHAPPS service opens at startup.
type Stores struct {
	Cache  *cachestore.Store
	Config *configstore.Store
}

// OpenStores connects to Redis and the relational config store per cfg.
// Callers are responsible for closing both when the service exits.
func OpenStores(cfg *config.Config) (*Stores, error) {
	cache, err := cachestore.Open(cfg.Redis)
	if err != nil {
		return nil, err
	}
	store, err := configstore.Open(cfg.Adapter)
	if err != nil {
		cache.Close()
		return nil, err
	}
	return &Stores{Cache: cache, Config: store}, nil
}

// Close releases both adapters, logging (not failing) any error.
func (s *Stores) Close() {
	if err := s.Cache.Close(); err != nil {
		log.Errorf("daemon: closing cache store: %v", err)
	}
	if err := s.Config.Close(); err != nil {
		log.Errorf("daemon: closing config store: %v", err)
	}
}

// LoadConfig reads the CHAPPS config from path (falling back to the
// CHAPPS_CONFIG env var and the compiled-in default). A load error is
// fatal.
func LoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("daemon: loading config: %v", err)
	}
	return cfg
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then calls stop.
// SIGHUP triggers a reopen of the log file, for log rotation, mirroring
// the teacher's own signalHandler in chasquid.go.
func WaitForShutdown(stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("daemon: reopening log: %v", err)
			}
			continue
		}
		log.Infof("daemon: %s received, shutting down", sig)
		stop()
		return
	}
}
