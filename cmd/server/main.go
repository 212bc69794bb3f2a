// The server command is the main entrypoint for running the multi-world server.
// It loads the config, applies the command line on top of it and runs the
// controller until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dcrodman/multiworld/internal"
	"github.com/dcrodman/multiworld/internal/core"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fmt.Println("Multiworld Server\n" +
		"=================\n" +
		"Hosts several worlds behind one listener and moves players\n" +
		"between them without disconnecting.")

	overrides, warnings := ParseArgs(args)

	loader := core.NewLoader(overrides.ConfigPath)
	config, err := loader.Load()
	if err != nil {
		fmt.Println(err)
		return 1
	}
	if loader.Found() {
		fmt.Println("using configuration file:", loader.File())
	} else {
		fmt.Println("no config.json in", overrides.ConfigPath, "- using defaults")
	}
	overrides.Apply(config)

	logger, closeLogs, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		return 1
	}
	defer closeLogs()
	for _, w := range loader.Warnings() {
		logger.Warnf("[CONFIG] %s", w)
	}
	for _, w := range warnings {
		logger.Warnf("[CLI] %s", w)
	}

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := internal.NewController(config, logger)
	if err := controller.Start(ctx); err != nil {
		logger.Error(err)
		return 1
	}
	if loader.Found() {
		controller.Watch(loader)
	}

	if err := controller.Wait(); err != nil {
		logger.Error(err)
		return 1
	}
	fmt.Println("shut down")
	return 0
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
