// Package main is a minimal demonstration of the SDK: connect, subscribe to
// a channel, publish one message, and print whatever comes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	pubsub "github.com/relaywire/pubsub-go"
	"github.com/relaywire/pubsub-go/auth"
	"github.com/relaywire/pubsub-go/channel"
	"github.com/relaywire/pubsub-go/connection"
	"github.com/relaywire/pubsub-go/internal/config"
	"github.com/relaywire/pubsub-go/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	channelName := flag.String("channel", "demo", "channel to subscribe to and publish on")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logging.Setup(*debug)

	file, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	client := pubsub.New(pubsub.Options{
		Auth: auth.Options{
			APIKey:  file.APIKey,
			AuthURL: file.AuthURL,
			Alias:   file.Alias,
		},
		Connection: connection.Options{
			WSHost:   file.WSHost,
			WSPort:   file.WSPort,
			IsSecure: file.IsSecure,
		},
	})

	client.On(connection.EventFailed, func(payload any) {
		log.Warnf("connection failed: %+v", payload)
	})
	client.On(connection.EventConnected, func(payload any) {
		log.Infof("connected: %+v", payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Fatal("connect failed")
	}

	ch := client.Channel(*channelName)
	defer client.ReleaseChannel(*channelName)

	if err := ch.Subscribe(func(msg channel.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.Channel, msg.ID, string(msg.Data))
	}, nil); err != nil {
		log.WithError(err).Warn("subscribe failed")
	}

	time.Sleep(500 * time.Millisecond)
	if err := ch.Publish([]byte(`{"hello":"world"}`), nil); err != nil {
		log.WithError(err).Warn("publish failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	client.Reset()
}
