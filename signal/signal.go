// Package signal turns OS interrupt signals and in-process shutdown
// requests into one graceful-shutdown channel the daemon can select on.
package signal

import (
	"os"
	"os/signal"
	"syscall"
)

// Interceptor contains the state of the interrupt handler.
type Interceptor struct {
	// interruptChannel receives OS signals.
	interruptChannel chan os.Signal

	// shutdownRequestChannel requests a graceful shutdown from inside
	// the process, equivalent to receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when the main interrupt handler should exit.
	quit chan struct{}

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}
}

// Intercept starts listening for interrupt signals and returns the
// interceptor. Must only be called once per process.
func Intercept() (Interceptor, error) {
	channels := Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
		shutdownChannel:        make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(channels.interruptChannel, signalsToCatch...)
	go channels.mainInterruptHandler()

	return channels, nil
}

// mainInterruptHandler listens for interrupt signals and shutdown requests,
// and closes the shutdown channel exactly once. It must be run as a
// goroutine.
func (c *Interceptor) mainInterruptHandler() {
	var isShutdown bool

	shutdown := func() {
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			signal.Stop(c.interruptChannel)
			return
		}
	}
}

// Alive returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}
