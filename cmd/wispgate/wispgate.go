package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"github.com/telikos/wispgate/internal/gateway"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "wispgate.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")

	flag.Parse()

	if *askVersion {
		fmt.Printf("wispgate %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	if *pprofAddr != "" {
		debugAddr := *pprofAddr
		go func() {
			log.Info(http.ListenAndServe(debugAddr, nil))
		}()
		log.Infof("pprof listening on %v", debugAddr)
	}

	raw, err := gateway.ParseConfig(config)
	if err != nil {
		log.Fatalf("configuration file error: %v", err)
	}
	sta, err := gateway.InitState(raw)
	if err != nil {
		log.Fatalf("failed to initialise the gateway: %v", err)
	}

	if sta.Blocklist != nil {
		go func() {
			if err := sta.Blocklist.Watch(); err != nil {
				log.Errorf("blocklist watcher stopped: %v", err)
			}
		}()
	}

	if sta.StatsAddr != "" {
		statsAddr := sta.StatsAddr
		go func() {
			log.Infof("stats API listening on %v", statsAddr)
			log.Fatal(http.ListenAndServe(statsAddr, gateway.APIRouterOf(sta)))
		}()
	}

	wsMux := http.NewServeMux()
	wsMux.Handle(sta.WSPath, sta.WSHandler())

	for _, addr := range sta.BindAddr {
		bindAddr := addr.String()
		go func() {
			log.Infof("websocket gateway listening on %v%v", bindAddr, sta.WSPath)
			log.Fatal(http.ListenAndServe(bindAddr, wsMux))
		}()
	}
	for _, addr := range sta.RawBindAddr {
		bindAddr := addr.String()
		go func() {
			listener, err := net.Listen("tcp", bindAddr)
			if err != nil {
				log.Fatal(err)
			}
			log.Infof("raw frame gateway listening on %v", bindAddr)
			gateway.Serve(listener, sta)
		}()
	}

	wait := make(chan struct{})
	<-wait
}
