package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-conmgr/log"
	"github.com/fzft/go-conmgr/server"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/sigmon"
	"go.uber.org/zap"
)

var listenAddr = flag.String(
	"addr",
	":8080",
	"address to listen on",
)

var workers = flag.Int(
	"workers",
	server.DefaultWorkers,
	"number of worker goroutines",
)

var maxConnections = flag.Int(
	"max-connections",
	server.DefaultMaxConnections,
	"maximum number of client connections",
)

var exitOnError = flag.Bool(
	"exit-on-error",
	false,
	"stop the server on the first connection or poll failure",
)

var logLevel = flag.String(
	"log-level",
	"info",
	"log level (debug, info, warn, error)",
)

var showVersion = flag.Bool(
	"version",
	false,
	"print version and exit",
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString())
		return
	}

	if err := log.InitLogger(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", err)
		os.Exit(2)
	}
	defer log.Sync()

	s := server.NewServer(server.Config{
		Addr:           *listenAddr,
		Workers:        *workers,
		MaxConnections: *maxConnections,
		ExitOnError:    *exitOnError,
	})

	proc := ifrit.Invoke(sigmon.New(s))
	if err := <-proc.Wait(); err != nil {
		log.Logger.Error("server exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
