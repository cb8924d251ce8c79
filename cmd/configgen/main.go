package main

import (
	"flag"
	"log"

	"github.com/danmuck/upscalerd/internal/config"
)

func main() {
	output := flag.String("output", "cmd/upscalerd/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/upscalerd/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (mode=%s engines=%d)", *input, cfg.Mode, len(cfg.Engines))
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
