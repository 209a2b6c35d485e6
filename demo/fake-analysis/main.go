package main

import (
	"log"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: fake-analysis <config file>")
	}
	configPath := os.Args[1]

	params, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatalf("cannot read parameters: %v", err)
	}
	log.Printf("Loaded %d bytes of parameters from %s", len(params), configPath)

	for i := 1; i <= 3; i++ {
		log.Printf("Iteration %d/3 running...", i)
		time.Sleep(1 * time.Second)
	}

	// SIMULATE BUG: A parameter sweep helper rewrites the config while
	// the run is still using it.
	if err := os.WriteFile(configPath, []byte("iterations: 9999\n"), 0o644); err != nil {
		log.Printf("Config rewrite rejected, file is locked: %v", err)
	} else {
		log.Println("CRITICAL: Config rewritten mid-run!")
	}

	if v := os.Getenv("FAKE_ANALYSIS_EXIT"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("bad FAKE_ANALYSIS_EXIT value %q", v)
		}
		os.Exit(code)
	}

	log.Println("Analysis complete.")
}
