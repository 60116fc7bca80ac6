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

// Command agent wires an agent.Config from flags, starts the
// connection pool and local listener, and runs until an OS signal
// arrives. Flag parsing here is deliberately minimal: the real
// CLI/TOML config loader lives outside this repository, and this is
// only the thin wiring a deployment needs to exercise the core
// packages directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilcore/veil/agent"
	"github.com/veilcore/veil/common/crypto"
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
	var listenAddr, proxyAddr, username string
	var privateKeyPath, proxyPublicKeyPath string
	var poolSize int
	var logLevel string

	flag.StringVar(&listenAddr, "listen", "127.0.0.1:1080", "local listener address")
	flag.StringVar(&proxyAddr, "proxy", "", "remote proxy tunnel address")
	flag.StringVar(&username, "username", "", "authenticating username")
	flag.StringVar(&privateKeyPath, "key", "", "path to this user's PKCS#8 PEM private key")
	flag.StringVar(&proxyPublicKeyPath, "proxy-key", "", "path to the proxy's SPKI PEM public key")
	flag.IntVar(&poolSize, "pool-size", agent.DefaultPoolSize, "prewarmed tunnel pool size")
	flag.StringVar(&logLevel, "log-level", "info", "notice verbosity")
	flag.Parse()

	if proxyAddr == "" || username == "" || privateKeyPath == "" || proxyPublicKeyPath == "" {
		fmt.Fprintln(os.Stderr, "agent: -proxy, -username, -key, and -proxy-key are required")
		return exitConfigError
	}

	privateKeyPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: reading private key: %v\n", err)
		return exitConfigError
	}
	privateKey, err := crypto.DecodePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: parsing private key: %v\n", err)
		return exitConfigError
	}

	proxyPublicKeyPEM, err := os.ReadFile(proxyPublicKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: reading proxy public key: %v\n", err)
		return exitConfigError
	}
	proxyPublicKey, err := crypto.DecodePublicKeyPEM(proxyPublicKeyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: parsing proxy public key: %v\n", err)
		return exitConfigError
	}

	config := &agent.Config{
		ListenAddr:     listenAddr,
		ProxyAddr:      proxyAddr,
		Username:       username,
		UserPrivateKey: privateKey,
		ProxyPublicKey: proxyPublicKey,
		PoolSize:       poolSize,
		LogLevel:       logLevel,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := agent.NewPool(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: starting pool: %v\n", err)
		return exitRuntimeFailure
	}
	defer pool.Close()

	listener, err := agent.Listen(ctx, config, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: binding listener: %v\n", err)
		return exitBindFailure
	}
	defer listener.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return exitOK
}
