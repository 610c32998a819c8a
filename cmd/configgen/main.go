package main

import (
	"flag"
	"log"

	"github.com/danmuck/redcoll/internal/config"
)

func main() {
	output := flag.String("output", "cmd/redcolld/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/redcolld/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated redcolld config at %s (service=%s redis=%q admin=%q)", *input, cfg.Service, cfg.Redis.Addr, cfg.Admin.Addr)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote redcolld config template to %s", *output)
}
