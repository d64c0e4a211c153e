package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sxm-proxy/work/client"
	"sxm-proxy/work/config"
	"sxm-proxy/work/directory"
	"sxm-proxy/work/handlers"
	"sxm-proxy/work/listing"
	"sxm-proxy/work/logger"
	"sxm-proxy/work/middleware"
	"sxm-proxy/work/proxy"
	"sxm-proxy/work/resolver"
	"sxm-proxy/work/session"
	"sxm-proxy/work/store"
)

var (
	Version = "v0.1.0" // default version
)

func main() {

	listMode := flag.Bool("list", false, "print the channel lineup and exit")
	filter := flag.String("filter", "", "regex filter for -list output")
	port := flag.Int("p", 0, "listen port (overrides config)")
	canada := flag.Bool("ca", false, "use the Canadian app region")
	flag.Parse()

	// load our config; SXM_USER / SXM_PASS env overrides apply inside
	cfg := config.LoadConfig()

	// positional credentials win over config file and env
	if args := flag.Args(); len(args) >= 2 {
		cfg.Username = args[0]
		cfg.Password = args[1]
	}
	if *port > 0 {
		cfg.ListenPort = *port
	}
	if *canada {
		cfg.Region = "CA"
	}

	if cfg.Username == "" || cfg.Password == "" {
		fmt.Fprintln(os.Stderr, "usage: sxm-proxy [flags] <username> <password> (or set SXM_USER/SXM_PASS)")
		os.Exit(2)
	}

	// set up logging
	logger.SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}
	appLog := logger.New(cfg.LogLevel)

	// upstream HTTP client and session state
	httpClient := client.NewHeaderSettingClient(cfg)
	credStore := store.New(cfg.AuthFilePath, appLog)
	sm := session.NewManager(cfg, appLog, httpClient, credStore)
	dir := directory.New(appLog, sm)

	// list mode prints the lineup and exits
	if *listMode {
		channels, err := dir.Channels()
		if err != nil {
			log.Fatalf("Failed to fetch channel lineup: %v", err)
		}
		table, err := listing.Format(channels, *filter)
		if err != nil {
			log.Fatalf("Failed to format channel lineup: %v", err)
		}
		fmt.Print(table)
		return
	}

	// worker pool for warm-up and keepalive jobs
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	res := resolver.New(cfg, appLog, sm, httpClient)
	proxyInstance := proxy.New(cfg, appLog, sm, dir, res, httpClient, workerPool)

	// authenticate and prefetch the catalog in the background
	proxyInstance.Warm()

	if cfg.KeepaliveEnabled {
		go proxyInstance.StartKeepalive()
	}

	// setup HTTP routes
	router := mux.NewRouter()

	// static decryption key for the player
	router.HandleFunc("/key/1", handlers.HandleKey()).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// channel catalog for local tooling
	router.HandleFunc("/channels", middleware.GzipMiddleware(handlers.HandleChannels(proxyInstance))).Methods("GET")

	// playlist/segment dispatch by path suffix
	router.PathPrefix("/").HandlerFunc(handlers.HandleStream(proxyInstance)).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLog.Info("Starting SXM Proxy %s", Version)
	appLog.Info("Server configuration:")
	appLog.Info("  - Listen Address: %s", addr)
	appLog.Info("  - Region: %s", cfg.Region)
	appLog.Info("  - Auth File: %s", cfg.AuthFilePath)
	appLog.Info("  - Auth Refresh Window: %s", cfg.AuthRefreshWindow)
	appLog.Info("  - Request Timeout: %s", cfg.RequestTimeout)
	appLog.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("  - Keepalive Enabled: %v", cfg.KeepaliveEnabled)
	appLog.Info("  - Debug Enabled: %v", cfg.Debug)
	appLog.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
