// Command healthcheck probes the local service for container health checks. It exits non-zero
// unless the probe path answers 200.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	path := flag.String("path", "/healthz", "probe path (/healthz or /readyz)")
	flag.Parse()
	if err := probe(context.Background(), baseURL(os.Getenv("HTTP_ADDR")), *path); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// baseURL turns a listen address such as ":8080" or "0.0.0.0:9000" into a loopback URL.
func baseURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return "http://localhost:" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "[::]" {
		host = "localhost"
	}
	return "http://" + host + ":" + port
}

func probe(ctx context.Context, base, path string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}
