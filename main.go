package main

import (
	"aura/config"
	"aura/internal/logs"
	"aura/server"
)

func main() {
	cfg := config.MustLoad()
	app := &server.App{}
	if err := app.Initialize(cfg); err != nil {
		logs.Logger.Fatalf("init: %v", err)
	}
	if err := app.Run(); err != nil {
		logs.Logger.Fatal(err)
	}
}
