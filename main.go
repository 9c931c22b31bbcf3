package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coinpaprika/ratelimiter"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	serv              *Server
	ConfigurationPath string
	checkOnly         bool
)

var closeLog func()

var (
	quitDone chan byte
	quitOnce sync.Once
)

func OnQuit() {
	quitOnce.Do(func() {
		logger.Info("Shutting down.")
		serv.Shutdown <- 0
		<-serv.ShutdownCompleted // wait for server shutting down to finish
		logger.Info("TCP network shut down complete.")
		if err := serv.Close(); err != nil {
			logger.Error("closing stores", zap.Error(err))
		}
		close(LogChan)
		logger.Sync()
		closeLog()
		quitDone <- byte(0)
	})
}

func main() {
	/*
		Create quitDone channel
	*/
	quitDone = make(chan byte, 1)

	/*
		Parse flags
	*/
	flag.StringVarP(&ConfigurationPath, "config", "c", "./config.toml", "Path to configuration file (.toml)")
	flag.BoolVar(&checkOnly, "check", false, "Validate the configuration and certificate, then exit")

	flag.Parse()

	/*
		Load configuration
	*/
	err := LoadConfig(ConfigurationPath)
	if errors.Is(err, fs.ErrNotExist) {
		// doesn't exist. Write file to this location.
		log.Print("Configuration file not found. Writing defaults to this path.")
		if err := os.WriteFile(ConfigurationPath, ConfigDefault, 0600); err != nil {
			log.Fatal(err.Error())
		}
		os.Exit(1)
	} else if err != nil {
		log.Fatal(err.Error())
	}

	/*
		Open log file and start logging
	*/
	logger, closeLog, err = initLogger(Configuration)
	if err != nil {
		log.Fatal(err.Error())
	}

	/*
		Load certificates. The first one has to be
		valid, later reloads may fail.
	*/
	snap, err := LoadSnapshot(Configuration.Cert, Configuration.Key)
	if err != nil {
		logger.Fatal("loading certificate", zap.Error(err))
	}
	if checkOnly {
		fmt.Printf("%s: ok, certificate %s valid until %s\n", ConfigurationPath, snap.Leaf.Subject, snap.Leaf.NotAfter.Format(time.RFC1123))
		os.Exit(0)
	}

	/*
		Initialize email notices
	*/
	InitEmailAuth()
	initNoticeLimiter(ratelimiter.NewMapLimitStore(10*time.Minute, 2*NoticeWindow))

	LogChan = make(chan LogEntry, LogBuffer)
	go LogLoop()

	serv, err = NewServer(Configuration, snap)
	if err != nil {
		logger.Fatal("starting server", zap.Error(err))
	}

	// handle ctrl-c
	quitChannel := make(chan os.Signal, 1)
	signal.Notify(quitChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-quitChannel
		logger.Info("signal recieved", zap.Stringer("signal", s))
		OnQuit()
	}()

	// reload the certificate on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			serv.Reloader.Trigger()
		}
	}()

	// start command-line prompt
	go ScanlnLoop(serv)

	go func() {
		if err := serv.Run(); err != nil {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	<-quitDone // wait for quit to finish
}
