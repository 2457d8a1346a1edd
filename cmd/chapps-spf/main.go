// chapps-spf runs the standalone SPF enforcement policy service: one TCP
// listener, one engine, no cascade. As with chapps-sender-domain-auth,
// the original source only ships this engine bundled into
// chapps_inbound_multi.py; this binary gives it a standalone service the
// way every other engine in the module map has one. Run standalone, any
// PostfixSPFActions template naming the greylist fallthrough marker
// fails the request instead of consulting a greylist engine — bundle it
// via chapps-inbound-multi when that fallthrough is required.
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/spfengine"
)

var configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-spf starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	engine := spfengine.New(stores.Config, cfg.SPF, cfg.SPFActions)
	policy := dispatch.SPFPolicy(engine, cfg.SPF, nil)

	addr := fmt.Sprintf("%s:%d", cfg.SPF.ListenAddress, cfg.SPF.ListenPort)
	srv := dispatch.NewServer(addr, policy)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-spf listening on %s", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
