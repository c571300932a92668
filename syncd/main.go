package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Document sync server.

Serves authoritative sync rooms over websockets and persists room snapshots
to a local database.

Usage:
    syncd serve [--port=<port>] [--data=<data>] [--secret=<secret>]
        [--client_timeout=<client_timeout>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --data=<data>                      Snapshot database path [default: syncd.db].
    --secret=<secret>                  HMAC secret for room access tokens. Empty disables auth.
    --client_timeout=<client_timeout>  Session eviction grace seconds [default: 10].
    -p --port=<port>                   Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	clientTimeoutSeconds, _ := opts.Int("--client_timeout")

	dataPath := "syncd.db"
	if dataAny := opts["--data"]; dataAny != nil {
		dataPath = dataAny.(string)
	}
	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	settings := DefaultServerSettings()
	settings.Port = port
	settings.DataPath = dataPath
	settings.Secret = secret
	settings.ClientTimeout = time.Duration(clientTimeoutSeconds) * time.Second

	server, err := NewServer(cancelCtx, settings)
	if err != nil {
		panic(err)
	}

	fmt.Printf("syncd %s on *:%d\n", RequireVersion(), settings.Port)

	err = server.Run()
	if err != nil {
		fmt.Printf("server error: %s\n", err)
	}
	server.Close()

	os.Exit(0)
}

func RequireVersion() string {
	if version := os.Getenv("SYNCD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
