package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
	"github.com/gustycube/spyder-dupefilter/internal/queue"
)

func main() {
	var file string
	var addr string
	var key string
	flag.StringVar(&file, "requests", "", "path to requests file, one URL or JSON request per line")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "dupefilter:queue", "redis queue key")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -requests")
		os.Exit(1)
	}
	ctx := context.Background()
	q, err := queue.NewRedis(ctx, addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	defer q.Close()
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	n := 0
	err = queue.ReadRequests(f, func(r *dedup.Request) error {
		n++
		return q.Seed(ctx, r)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
	fmt.Println("seeded", n, "requests into", key)
}
