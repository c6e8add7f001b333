package main

import (
	"flag"
	"fmt"
	"os"

	"paddlecourt/engine/tools/journal_results"
)

func main() {
	dir := flag.String("dir", "", "directory containing journal segments")
	session := flag.Int64("session", 0, "only report this session id")
	out := flag.String("out", "", "write a zstd-compressed export to this file instead of stdout")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "dir flag is required")
		os.Exit(1)
	}

	results, err := journalresults.Load(*dir, *session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Stdout gets readable JSON; a file export is compressed for transfer.
	if *out == "" {
		if err := journalresults.Write(os.Stdout, results, false); err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			os.Exit(3)
		}
		return
	}
	file, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := journalresults.Write(file, results, true); err != nil {
		file.Close()
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	if err := file.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(3)
	}
}
