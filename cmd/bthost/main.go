// Command bthost inspects btsnoop captures produced by the stack, either
// from a file or from the live stream socket.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/blewire/bthost/snoop"
)

func main() {
	app := cli.NewApp()
	app.Name = "bthost"
	app.Usage = "inspect bthost packet captures"
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "snoop",
			Usage: "decode btsnoop capture data",
			Subcommands: []cli.Command{
				cli.Command{
					Name:      "dump",
					Usage:     "decode and print a btsnoop file",
					ArgsUsage: "<file>",
					Action:    dumpCommand,
				},
				cli.Command{
					Name:  "tap",
					Usage: "connect to the live stream and print packets as they arrive",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "addr",
							Usage: "live stream address",
							Value: "127.0.0.1:8872",
						},
					},
					Action: tapCommand,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: bthost snoop dump <file>", 1)
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()
	return printStream(f)
}

func tapCommand(c *cli.Context) error {
	conn, err := net.Dial("tcp", c.String("addr"))
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("tapping %s\n", c.String("addr"))
	return printStream(conn)
}

func printStream(r io.Reader) error {
	if err := snoop.ReadHeader(r); err != nil {
		return err
	}
	for i := 0; ; i++ {
		rec, err := snoop.ReadRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printRecord(i, rec)
	}
}

func printRecord(i int, rec snoop.Record) {
	dir := "tx"
	if rec.Received() {
		dir = "rx"
	}
	note := ""
	if int(rec.OriginalLen) > len(rec.Payload) {
		note = fmt.Sprintf(" (truncated from %d)", rec.OriginalLen)
	}
	fmt.Printf("%5d %s %s %s %d bytes%s\n", i,
		rec.Time().Format(time.RFC3339Nano), dir, packetType(rec.Payload),
		len(rec.Payload), note)
	for _, line := range strings.Split(strings.TrimRight(hex.Dump(rec.Payload), "\n"), "\n") {
		fmt.Printf("      %s\n", line)
	}
}

func packetType(frame []byte) string {
	if len(frame) == 0 {
		return "???"
	}
	switch frame[0] {
	case 0x01:
		return "CMD"
	case 0x02:
		return "ACL"
	case 0x03:
		return "SCO"
	case 0x04:
		return "EVT"
	}
	return fmt.Sprintf("0x%02x", frame[0])
}
