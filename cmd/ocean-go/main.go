// Copyright 2023 The ocean-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the ocean-go broker.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceanbus/ocean-go/pkg/broker"
	"github.com/oceanbus/ocean-go/pkg/config"
	"github.com/oceanbus/ocean-go/pkg/interceptor"
	"github.com/oceanbus/ocean-go/pkg/metrics"
	"github.com/oceanbus/ocean-go/pkg/session"
	"github.com/oceanbus/ocean-go/pkg/storage/messages"
	"github.com/oceanbus/ocean-go/pkg/topic"
	"github.com/oceanbus/ocean-go/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	log.Println("Starting ocean-go broker...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Node ID: %s", cfg.Broker.NodeID)

	authService, err := cfg.BuildAuthService()
	if err != nil {
		log.Fatalf("Failed to build auth service: %v", err)
	}

	messageStore := messages.NewMemoryStore()

	var backend session.Backend
	if cfg.Broker.Sessions.Backend == "mongo" {
		mongoBackend, err := session.NewMongoBackend(cfg.Broker.Sessions.Mongo)
		if err != nil {
			log.Fatalf("Failed to connect session backend: %v", err)
		}
		defer mongoBackend.Close()
		backend = mongoBackend
	}
	sessionStore := session.NewMemoryStore(messageStore, backend)

	processor := broker.NewProcessor(broker.Options{
		Subscriptions:  topic.NewStore(),
		Messages:       messageStore,
		Sessions:       sessionStore,
		AuthService:    authService,
		AllowAnonymous: cfg.Broker.Auth.AllowAnonymous,
		Interceptor:    interceptor.New(interceptor.LoggingHandler{}),
	})

	server := transport.NewServer(processor)
	if err := server.Start(cfg.Broker.MQTTPort); err != nil {
		log.Fatalf("Broker server failed: %v", err)
	}
	defer server.Stop()

	go metrics.Serve(cfg.Broker.MetricsPort)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
