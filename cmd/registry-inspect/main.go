// Command registry-inspect loads a persisted registry.json and prints a
// confidence histogram plus any integrity warnings, for operators
// spot-checking a completed run without re-running the pipeline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/Conceptual-Machines/scoresync-go/registry"
	"github.com/Conceptual-Machines/scoresync-go/validate"
)

func main() {
	runRoot := flag.String("run-root", "./run", "directory containing registry.json")
	flag.Parse()

	reg, err := registry.Load(*runRoot)
	if err != nil {
		log.Fatalf("❌ ERROR: %v", err)
	}

	snapshot := reg.Snapshot()
	report := validate.Run(reg)

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("registry: %s\n", *runRoot)
	fmt.Printf("entries=%d tied_groups=%d ornament_groups=%d\n", len(snapshot.Entries), len(snapshot.TiedGroups), len(snapshot.OrnamentGroups))
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	fmt.Println("\nconfidence histogram:")
	hist, _ := json.MarshalIndent(report.ConfidenceHistogram, "  ", "  ")
	fmt.Printf("  %s\n", hist)

	if len(report.Warnings) > 0 {
		fmt.Println("\nwarnings:")
		for _, w := range report.Warnings {
			fmt.Printf("  ⚠️  %s\n", w)
		}
	}

	if len(report.Errors) > 0 {
		fmt.Println("\nintegrity errors:")
		for _, e := range report.Errors {
			fmt.Printf("  ❌ %v\n", e)
		}
	}

	if report.Successful {
		fmt.Println("\n✅ registry integrity OK")
	} else {
		fmt.Println("\n❌ registry failed integrity validation")
	}
}
