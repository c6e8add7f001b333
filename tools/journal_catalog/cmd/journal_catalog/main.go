package main

import (
	"flag"
	"fmt"
	"os"

	"paddlecourt/engine/tools/journal_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing journal segments")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := journalcatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := journalcatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (%d records)\n", entry.SegmentPath, entry.Records)
		fmt.Printf("  sessions: %d started, %d ended\n", entry.Started, entry.Ended)
		if entry.Records > 0 {
			fmt.Printf("  sequence: %d-%d\n", entry.FirstSequence, entry.LastSequence)
			fmt.Printf("  written:  %s .. %s\n", entry.From.Format("2006-01-02 15:04:05"), entry.To.Format("2006-01-02 15:04:05"))
		}
	}
}
