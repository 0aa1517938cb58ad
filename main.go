package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/freekieb7/shale/http"
	"github.com/freekieb7/shale/telemetry"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:8080", "listen address")
	idle := flag.Duration("idle", 30*time.Second, "connection idle timeout")
	acceptLimit := flag.Float64("accept-limit", 0, "accepted connections per second, 0 for unlimited")
	otelOn := flag.Bool("otel", false, "export logs/metrics/traces over OTLP")
	flag.Parse()

	if err := run(*addr, *idle, *acceptLimit, *otelOn); err != nil {
		log.Fatalln(err)
	}
}

func run(addr string, idle time.Duration, acceptLimit float64, otelOn bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if otelOn {
		shutdown, err := telemetry.Setup(ctx)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	handler := func(req *http.Request, res *http.Response) {
		switch req.Path() {
		case "/":
			res.WithText("hello from shale\n")
		case "/stream":
			for i := 0; i < 3; i++ {
				if _, err := res.Write([]byte("tick\n"), false); err != nil {
					return
				}
			}
		case "/big":
			res.WithCompression().WithText(bigBody())
		default:
			res.WithStatus(http.StatusNotFound).WithText("not found\n")
		}
	}

	server := http.NewServer("shale", handler, http.Options{
		Addr:        addr,
		MaxIdleTime: idle,
		AcceptLimit: rate.Limit(acceptLimit),
	})

	log.Printf("listening and serving on %s", addr)
	return server.ListenAndServe(ctx)
}

func bigBody() string {
	line := "all work and no play makes the event loop a dull boy\n"
	body := make([]byte, 0, 64*len(line))
	for i := 0; i < 64; i++ {
		body = append(body, line...)
	}
	return string(body)
}
