package main

import (
	"github.com/Raimguhinov/davfs-go/internal/app"
	"github.com/Raimguhinov/davfs-go/internal/config"
)

func main() {
	cfg := config.GetConfig()

	app.Run(cfg)
}
