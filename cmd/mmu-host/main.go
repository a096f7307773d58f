// mmu-host runs the MMU secondary toolhead as a standalone host
// process. It loads the rail configuration, builds the selector/gear
// kinematics on top of a printer toolhead, and serves status over HTTP
// and websocket for diagnostic frontends.
//
// Usage:
//
//	mmu-host -config mmu.cfg [options]
//
// Options:
//
//	-config string  MMU configuration file (required)
//	-listen string  Status API listen address (default ":7125")
//	-level string   Log level: debug, info, warn, error (default "info")
//	-json           Emit JSON log records
//	-logfile string Log file path (default: stderr)
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mmu-host/pkg/config"
	"mmu-host/pkg/endstop"
	"mmu-host/pkg/log"
	"mmu-host/pkg/mmu"
	"mmu-host/pkg/motion"
	"mmu-host/pkg/statusapi"
)

const (
	printerMaxVelocity = 500.0
	printerMaxAccel    = 5000.0
)

func main() {
	configFile := flag.String("config", "", "MMU configuration file (required)")
	listenAddr := flag.String("listen", "", "Status API listen address (default from [statusapi] or \":7125\")")
	logLevel := flag.String("level", "info", "Log level: debug, info, warn, error")
	jsonLog := flag.Bool("json", false, "Emit JSON log records")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("mmu-host")
	logger.SetLevel(log.ParseLevel(*logLevel))
	if *jsonLog {
		logger.SetFormat(log.FormatJSON)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("loading config: %v", err)
		os.Exit(1)
	}

	addr := *listenAddr
	if addr == "" {
		addr = ":7125"
		if sec := cfg.GetSectionOptional("statusapi"); sec != nil {
			if v, err := sec.Get("listen", addr); err == nil {
				addr = v
			}
		}
	}

	printer := mmu.NewPrinterToolhead(logger.Child("printer"), printerMaxVelocity, printerMaxAccel)
	printer.AddExtruder("extruder", motion.NewStepper("extruder", 22.7, 3200))

	registry := endstop.NewRegistry()
	toolhead, err := mmu.NewToolhead(cfg, printer, registry, logger.Child("toolhead"))
	if err != nil {
		logger.Errorf("building toolhead: %v", err)
		os.Exit(1)
	}

	logger.Infof("config: %s", *configFile)
	for _, rail := range toolhead.Kinematics().Rails() {
		logger.Infof("rail %s: %d stepper(s), can home: %v",
			rail.Name(), len(rail.Steppers()), rail.CanHome())
	}
	if unused := cfg.UnusedSections(); len(unused) > 0 {
		logger.Warnf("config sections never read: %v", unused)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		logger.Warnf("config audit: %v", err)
	}

	server := statusapi.New(statusapi.Config{
		Addr:     addr,
		Toolhead: toolhead,
		Registry: registry,
		Logger:   logger.Child("statusapi"),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Infof("status API: http://localhost%s", addr)

	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("status API server: %v", err)
			os.Exit(1)
		}
	}

	if err := server.Stop(); err != nil {
		logger.Warnf("stopping status API: %v", err)
	}
	if err := toolhead.MotorOff(); err != nil {
		logger.Warnf("motor off: %v", err)
	}
	logger.Infof("mmu-host stopped")
}
