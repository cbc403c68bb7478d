package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	chshare "github.com/sammck-go/elproxy/share"
	"github.com/sammck-go/logger"
)

var help = `
  Usage: elproxy [options] [config-file]

  config-file defaults to ` + chshare.DefaultConfigPath + `

  Options:

    -F, Run in the foreground (accepted for compatibility; the process
        never backgrounds itself)

    -d, Enable debug logging

    --version, Print the version and exit

    --help, This help text

  Signals:
    SIGINT/SIGTERM initiate a graceful shutdown: the listener stops
    accepting, active sessions drain, and the registration reporter
    posts a final Off status before the process exits.

    SIGUSR2 prints a snapshot of slot occupancy to the log.

  Version: ` + chshare.Version + `

  Read more:
    https://github.com/sammck-go/elproxy

`

func main() {
	os.Exit(run())
}

func run() int {
	foreground := flag.Bool("F", false, "")
	debug := flag.Bool("d", false, "")
	version := flag.Bool("version", false, "")
	showHelp := flag.Bool("help", false, "")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return 0
	}

	if *version {
		fmt.Println(chshare.Version)
		return 0
	}

	_ = *foreground // daemonization is left to the process supervisor

	logLevel := logger.LogLevelInfo
	if *debug {
		logLevel = logger.LogLevelDebug
	}
	log, err := logger.New(logger.WithWriter(os.Stderr), logger.WithLogLevel(logLevel), logger.WithPrefix("elproxy"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "elproxy: failed to initialize logger: %s\n", err)
		return -1
	}

	configPath := chshare.DefaultConfigPath
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	cfg, err := chshare.LoadConfig(configPath, log)
	if err != nil {
		log.ELogf("failed to load config %q: %s", configPath, err)
		return -1
	}

	server := chshare.NewProxyServer(cfg, log)
	if err := server.Open(); err != nil {
		log.ELogf("failed to open proxy server: %s", err)
		return -1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGUSR2:
				dumpStats(server, log)
			default:
				log.ILogf("received %s, shutting down", s)
				server.Shutdown()
				return
			}
		}
	}()

	if err := server.Process(); err != nil {
		log.ELogf("proxy server exited with error: %s", err)
		server.Close()
		return -1
	}

	if err := server.Close(); err != nil {
		log.ELogf("error during shutdown: %s", err)
		return -1
	}
	log.ILogf("exiting")
	return 0
}

func dumpStats(server *chshare.ProxyServer, log logger.Logger) {
	for _, line := range server.SlotStatus() {
		log.ILogf("%s", line)
	}
}
