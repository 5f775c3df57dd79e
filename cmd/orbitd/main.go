package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/orbitwallet/orbitd"
	"github.com/orbitwallet/orbitd/signal"
)

func main() {
	cfg, err := orbitd.LoadConfig()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := orbitd.Main(cfg, shutdownInterceptor); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
