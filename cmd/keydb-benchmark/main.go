// keydb-benchmark drives a running keydb-server with many concurrent
// connections issuing SET/GET/PING requests, reporting total time, completed
// and failed counts, and throughput, using the raw wire frame API
// (internal/protocol.Writer/Reader).
//
// Usage:
//
//	keydb-benchmark [flags]
//
// Flags:
//
//	-addr string     Server address (default "localhost:6379")
//	-clients int     Number of parallel clients (default 50)
//	-requests int    Total number of requests (default 100000)
//	-test string     Test type: set,get,mixed,ping (default "mixed")
package main

import (
	"flag"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvnode/keydb/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:6379", "Server address")
	clients := flag.Int("clients", 50, "Number of parallel clients")
	requests := flag.Int("requests", 100000, "Total number of requests")
	testType := flag.String("test", "mixed", "Test type: set,get,mixed,ping")
	flag.Parse()

	fmt.Println("====== keydb benchmark ======")
	fmt.Printf("Server: %s\n", *addr)
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Test: %s\n", *testType)
	fmt.Println()

	var completed int64
	var failed int64
	reqPerClient := *requests / *clients

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", *addr)
			if err != nil {
				atomic.AddInt64(&failed, int64(reqPerClient))
				return
			}
			defer conn.Close()

			w := protocol.NewWriter(conn)
			r := protocol.NewReader(conn)

			for j := 0; j < reqPerClient; j++ {
				key := fmt.Sprintf("key:%d:%d", clientID, j)
				value := fmt.Sprintf("value:%d:%d", clientID, j)

				var args []string
				switch *testType {
				case "set":
					args = []string{"SET", key, value}
				case "get":
					args = []string{"GET", key}
				case "ping":
					args = []string{"PING"}
				default: // mixed
					if j%2 == 0 {
						args = []string{"SET", key, value}
					} else {
						args = []string{"GET", key}
					}
				}

				if err := w.WriteValue(protocol.NewBulkStringArray(args...)); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				if _, err := r.ReadFrame(); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&completed, 1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("====== Results ======")
	fmt.Printf("Total time: %v\n", elapsed)
	fmt.Printf("Completed: %d\n", completed)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Requests/sec: %.2f\n", float64(completed)/elapsed.Seconds())
}
