// Framedump prints the game frames found in a packet capture of client/server
// traffic, decoding the packet types the server knows about.
//
//	framedump -file capture.pcap -port 7777
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
)

var (
	file     = flag.String("file", "", "pcap file to read")
	port     = flag.Int("port", 7777, "Port the server was listening on")
	decode   = flag.Bool("decode", true, "Dump the decoded contents of known packet types")
	truncate = flag.Int("truncate", 64, "Maximum number of raw bytes to print per frame (0 prints all)")
)

func main() {
	flag.Parse()
	if *file == "" {
		exit("usage: framedump -file <capture.pcap> [-port 7777]")
	}

	f, err := os.Open(*file)
	if err != nil {
		exit("error opening capture: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	d := &dumper{Writer: w, Port: uint16(*port), Decode: *decode, Truncate: *truncate}
	if err := d.Run(f); err != nil {
		w.Flush()
		exit("error reading capture: %v", err)
	}
	fmt.Fprintf(w, "%d frames, %d bytes left over\n", d.frames, d.leftover())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
