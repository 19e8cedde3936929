// keydb-cli is a minimal smoke-test client: it dials a running keydb-server
// and exercises PING, SET, GET, TYPE and KEYS over the real frame codec,
// printing each response. Useful as a manual sanity check alongside the
// package test suites.
package main

import (
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/kvnode/keydb/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "Server address")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		fmt.Printf("failed to connect: %v\n", err)
		return
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	run := func(args ...string) {
		fmt.Printf(">>> %v\n", args)
		if err := w.WriteValue(protocol.NewBulkStringArray(args...)); err != nil {
			fmt.Printf("write failed: %v\n", err)
			return
		}
		v, err := r.ReadFrame()
		if err != nil {
			fmt.Printf("read failed: %v\n", err)
			return
		}
		fmt.Printf("<<< %s\n", describe(v))
	}

	run("PING")
	run("SET", "hello", "world")
	run("GET", "hello")
	run("TYPE", "hello")
	run("TYPE", "missing")
	run("KEYS", "*")
	run("DEL", "hello")
	run("GET", "hello")
}

func describe(v protocol.Value) string {
	if v.Null {
		return "(nil)"
	}
	switch v.Kind {
	case protocol.KindSimpleString:
		return "+" + v.Str
	case protocol.KindError:
		return "-" + v.Str
	case protocol.KindInteger:
		return fmt.Sprintf(":%d", v.Int)
	case protocol.KindBulkString:
		return fmt.Sprintf("$%q", string(v.Bytes))
	case protocol.KindArray:
		out := "*["
		for i, item := range v.Array {
			if i > 0 {
				out += ", "
			}
			out += describe(item)
		}
		return out + "]"
	default:
		return "?"
	}
}
