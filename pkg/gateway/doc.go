// Package gateway assembles the analytics job system so it can be run as
// separate processes or embedded into other Go applications.
//
// # Overview
//
// A Gateway accepts natural-language analytics questions over REST, queues
// them in Redis and streams progress back to clients over Server-Sent Events
// or WebSocket. A Worker consumes the queue, asks the AI backend for SQL,
// checks it with the SQL safety gate, runs it against the read-only
// analytics database and publishes each step as a job event.
//
// Workers reach the gateway's event bus either through the HTTP ingress
// (POST /internal/jobs/{job_id}/event) or through NATS, selected by
// events.transport.
//
// # Basic Usage
//
// Load a config file and start the gateway:
//
//	cfg, err := gateway.LoadConfig("configs/config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	gw, err := gateway.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := gw.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Start a worker in another process with the same config:
//
//	w, err := gateway.NewWorker(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := w.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Single Process
//
// A worker can publish straight to the gateway's bus, skipping the
// transport:
//
//	gw, _ := gateway.New(cfg)
//	w, _ := gateway.NewWorker(ctx, cfg, gateway.WithPublisher(gw.Publisher()))
//	go w.Run(ctx)
//
// # Embedding
//
// Mount the gateway inside an existing server with Handler:
//
//	mux := http.NewServeMux()
//	mux.Handle("/analytics/", http.StripPrefix("/analytics", gw.Handler()))
//
// # Endpoints
//
//   - GET  /health                      service health (no auth)
//   - GET  /metrics                     Prometheus metrics (no auth)
//   - POST /jobs                        submit a question (API key)
//   - GET  /jobs/{job_id}               job status (API key)
//   - POST /jobs/{job_id}/cancel        request cancellation (API key)
//   - GET  /v2/jobs/{job_id}/stream?t=  SSE event stream (job token)
//   - GET  /v2/jobs/{job_id}/ws?t=      WebSocket event stream (job token)
//   - POST /internal/jobs/{job_id}/event worker event ingress
package gateway
