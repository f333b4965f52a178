package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jddlt/arboris-novel/internal/ui"
)

func main() {
	addr := flag.String("addr", "http://localhost:8700", "GM server base URL")
	project := flag.String("project", "default", "project id")
	flag.Parse()

	p := ui.NewProgram(ui.Options{ServerURL: *addr, ProjectID: *project})
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
