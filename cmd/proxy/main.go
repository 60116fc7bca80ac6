/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Command proxy wires a proxy.Config from flags, starts the tunnel
// session server, and runs until an OS signal arrives. As with
// cmd/agent, flag parsing is minimal wiring only; the management REST
// API and TOML config loader live outside this repository. SIGHUP
// reloads the user store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/proxy"
	"github.com/veilcore/veil/userstore"
)

// Process exit codes.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBindFailure    = 2
	exitRuntimeFailure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var listenAddr, userStorePath, serverKeyPath string
	var maxConcurrentDefault int
	var logLevel string
	var allowPrivateTargets bool

	flag.StringVar(&listenAddr, "listen", "0.0.0.0:8080", "tunnel listener address")
	flag.StringVar(&userStorePath, "user-store", "", "path to the CBOR-encoded user store")
	flag.StringVar(&serverKeyPath, "key", "", "path to this proxy's PKCS#8 PEM private key")
	flag.IntVar(&maxConcurrentDefault, "max-concurrent-default", 100, "default per-user concurrent session cap")
	flag.StringVar(&logLevel, "log-level", "info", "structured log level")
	flag.BoolVar(&allowPrivateTargets, "allow-private-targets", false, "disable the RFC1918/loopback/link-local target filter")
	flag.Parse()

	if userStorePath == "" || serverKeyPath == "" {
		fmt.Fprintln(os.Stderr, "proxy: -user-store and -key are required")
		return exitConfigError
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: invalid log level: %v\n", err)
		return exitConfigError
	}
	proxy.Log.SetLevel(level)

	serverKeyPEM, err := os.ReadFile(serverKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: reading private key: %v\n", err)
		return exitConfigError
	}
	serverPrivateKey, err := crypto.DecodePrivateKeyPEM(serverKeyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: parsing private key: %v\n", err)
		return exitConfigError
	}

	store, err := userstore.NewFileStore(userStorePath, maxConcurrentDefault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: loading user store: %v\n", err)
		return exitConfigError
	}

	config := &proxy.Config{
		ListenAddr:          listenAddr,
		ServerPrivateKey:    serverPrivateKey,
		Store:               store,
		AllowPrivateTargets: allowPrivateTargets,
		LogLevel:            logLevel,
	}

	server, err := proxy.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: constructing server: %v\n", err)
		return exitRuntimeFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "proxy: binding listener: %v\n", err)
		return exitBindFailure
	}
	defer server.Close()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-reloadSignal:
			if _, err := store.Reload(); err != nil {
				proxy.Log.WithContextFields(proxy.LogFields{"error": err.Error()}).Warn("user store reload failed")
			}
		case <-stop:
			return exitOK
		}
	}
}
