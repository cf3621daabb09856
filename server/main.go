package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"bringyour.com/coedit"
)

const Version = "0.1.0"

func main() {
	usage := `Collaborative editing coordination server.

Usage:
    coedit-server serve [--config=<config>] [--port=<port>]
        [--redis_url=<redis_url>]
        [--memory]
    coedit-server --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Path to the yaml config file.
    -p --port=<port>           Listen port.
    --redis_url=<redis_url>    Coordination store connection string.
    --memory                   Use the in-process coordinator and object
                               store. Single node development only.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	// docopt already consumed os.Args; only mark the flag set parsed so
	// glog stops complaining
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	configPath, _ := opts["--config"].(string)
	config, err := coedit.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("%v\n", err)
		os.Exit(1)
	}
	if port, err := opts.Int("--port"); err == nil && 0 < port {
		config.Port = port
	}
	if redisUrl, ok := opts["--redis_url"].(string); ok && redisUrl != "" {
		config.RedisUrl = redisUrl
	}
	memory, _ := opts.Bool("--memory")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var coordinator coedit.Coordinator
	var objects coedit.ObjectStore
	if memory {
		coordinator = coedit.NewMemoryCoordinator()
		objects = coedit.NewMemoryObjectStore()
	} else {
		redisOpts, err := redis.ParseURL(config.RedisUrl)
		if err != nil {
			glog.Errorf("cannot parse redis url: %v\n", err)
			os.Exit(1)
		}
		coordinator = coedit.NewRedisCoordinatorWithPrefix(redis.NewClient(redisOpts), config.KeyPrefix)

		if config.ObjectStore.Endpoint != "" {
			minioObjects, err := coedit.NewMinioObjectStore(&config.ObjectStore)
			if err != nil {
				glog.Errorf("cannot create object store client: %v\n", err)
				os.Exit(1)
			}
			objects = minioObjects
		} else {
			glog.Infof("no object store endpoint configured, using in-process storage\n")
			objects = coedit.NewMemoryObjectStore()
		}
	}

	codec := coedit.NewPassthroughCodec()
	engine := coedit.NewPositionTransformer()

	hub := coedit.NewHub()
	registry := coedit.NewSessionRegistry(coordinator, hub, &coedit.SessionRegistrySettings{
		StaleSessionTimeout: time.Duration(config.StaleSessionMinutes) * time.Minute,
	})
	pipeline := coedit.NewPipeline(cancelCtx, coordinator, engine, hub, registry, config.PipelineSettings())
	syncService := coedit.NewSyncService(coordinator, objects, codec, engine)
	persistence := coedit.NewPersistenceCoordinator(coordinator, objects, codec, registry)

	autosaver := coedit.NewAutosaver(cancelCtx, coordinator, syncService, persistence, config.AutosaveSettings())
	defer autosaver.Close()

	reaper := coedit.NewReaper(cancelCtx, coordinator, registry, hub, config.ReaperSettings())
	reaper.SetFlusher(autosaver)
	defer reaper.Close()

	connections := coedit.NewConnectionHandlerWithDefaults(cancelCtx, registry, hub)
	server := coedit.NewServer(pipeline, syncService, persistence, registry, connections)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: server.Router(),
	}

	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		sig := <-exit
		glog.Infof("caught %s, shutting down\n", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("coedit-server %s on *:%d\n", Version, config.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("%v\n", err)
		os.Exit(1)
	}
}
