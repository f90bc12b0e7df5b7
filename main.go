package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"stream-notify-bot/bot"
	"stream-notify-bot/config"
)

func main() {
	c, err := config.Load("./config.json")
	if err != nil {
		log.Fatalf("unable to load config: %v", err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	confirm := make(chan struct{})
	go func() {
		log.Fatal(bot.Start(ctx, c, confirm))
	}()
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt, syscall.SIGTERM)
	<-s
	cancel()
	<-confirm
}
