// Command nekodig performs one iterative resolution from the root and
// prints the answer plus the resolution journey. Diagnostic companion to
// the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/nekoy3/neko-dns/resolver"
)

func main() {
	qtypeName := flag.String("t", "A", "query type")
	hints := flag.String("hints", "", "root hints file (bundled IANA list when empty)")
	timeout := flag.Duration("timeout", 10*time.Second, "resolution deadline")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nekodig [-t TYPE] name")
		os.Exit(1)
	}
	qtype, ok := dns.StringToType[strings.ToUpper(*qtypeName)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown query type %q\n", *qtypeName)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	r := resolver.New()
	r.Log = log
	v4, v6, err := resolver.LoadHints(*hints)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	r.SetRoots(v4, v6)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	msg, server, err := r.Resolve(ctx, dns.Fqdn(flag.Arg(0)), qtype)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(msg)
	fmt.Println(";; SERVER:", server.String())
	if j := r.Journeys.Latest(); j != nil {
		fmt.Println(";; JOURNEY:")
		for _, line := range j.Lines() {
			fmt.Println(";;  ", line)
		}
	}
}
