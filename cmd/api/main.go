/*
 * Copyright 2024-2026 Verinet Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/verinet/attest/challenge"
	"github.com/verinet/attest/common"
	"github.com/verinet/attest/crypto"
	"github.com/verinet/attest/inventory"
	"github.com/verinet/attest/session"
	"github.com/verinet/attest/transport"
)

const runloopSleepInterval = 250 * time.Millisecond
const shutdownTimeout = time.Second * 10

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	installSignalHandlers()

	identity := os.Getenv("ATTEST_IDENTITY")
	if identity == "" {
		common.Log.Panicf("failed to start attest API; ATTEST_IDENTITY not authorized")
	}

	resolver := requirePeerResolver()
	sessions := session.NewManager(identity, transport.NewHTTPInitiator(identity, resolver))
	sessions.StartCleanup(shutdownCtx)

	t := transport.NewTransport(sessions, challenge.MessageTypes(), transport.NewHTTPSender(resolver))

	pipeline := challenge.NewPipeline(
		challenge.NewDatabaseRepository(),
		inventory.NewRedisRepository(),
		requireAttestationKeys(),
		t,
	)

	challenge.StartConsumers(shutdownCtx, pipeline)

	r := gin.New()
	r.Use(gin.Recovery())

	challenge.InstallAPI(r, pipeline, sessions)

	r.GET("/status", statusHandler)

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = "0.0.0.0:8080"
	}

	srv = &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}

	go func() {
		common.Log.Debugf("attest API listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("attest API server failed; %s", err.Error())
		}
	}()

	common.Log.Debugf("starting attest API main()")
	timer := time.NewTicker(runloopSleepInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			shutdown()
		case <-shutdownCtx.Done():
		case <-timer.C:
			// tick
		}
	}

	common.Log.Debug("exiting attest API main()")
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for attest API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down attest API")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			common.Log.Warningf("failed to gracefully shut down attest API; %s", err.Error())
		}

		cancelF()
	}
}

func shuttingDown() bool {
	return (atomic.LoadUint32(&closing) > 0)
}

func statusHandler(c *gin.Context) {
	c.JSON(200, map[string]interface{}{"status": "ok"})
}

// requirePeerResolver parses the PEER_URLS environment variable, a JSON
// map of peer identity onto base URL
func requirePeerResolver() transport.PeerResolver {
	peers := map[string]string{}
	if raw := os.Getenv("PEER_URLS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &peers); err != nil {
			common.Log.Panicf("failed to parse PEER_URLS; %s", err.Error())
		}
	}
	return transport.StaticPeerResolver(peers)
}

// requireAttestationKeys parses the hex SEC1 device attestation verifying
// key from the environment; gpu commitment validation rejects every device
// when no key is configured
func requireAttestationKeys() crypto.AttestationKeyProvider {
	provider := &crypto.StaticAttestationKeyProvider{}
	if encoded := os.Getenv("ATTESTATION_VERIFYING_KEY"); encoded != "" {
		key, err := crypto.ParseVerifyingKey(encoded)
		if err != nil {
			common.Log.Panicf("failed to parse ATTESTATION_VERIFYING_KEY; %s", err.Error())
		}
		provider.Key = key
	}
	return provider
}
