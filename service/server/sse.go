package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/x402-facilitator/service/nats"
)

const sseKeepalive = 10 * time.Second

// handleStreamEvents streams settlement and payout events as Server-Sent Events.
// GET /events/stream?kind={settlements|payouts}&network={network}
func handleStreamEvents(source EventSource, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opts := natspkg.TailOptions{
			Kind:    r.URL.Query().Get("kind"),
			Network: r.URL.Query().Get("network"),
		}
		if opts.Kind != "" && opts.Kind != "settlements" && opts.Kind != "payouts" {
			writeError(w, "invalid kind: must be 'settlements' or 'payouts'", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Buffered so the consumer callback never blocks on a slow client for long.
		msgChan := make(chan *natspkg.Message, 10)
		doneChan := make(chan error, 1)

		go func() {
			doneChan <- source.Tail(ctx, opts, func(msg *natspkg.Message) error {
				select {
				case msgChan <- msg:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		logger.DebugContext(ctx, "SSE client connected",
			"subjects", opts.FilterSubjects(),
			"remote_addr", r.RemoteAddr,
		)

		connected, _ := json.Marshal(map[string]interface{}{"subjects": opts.FilterSubjects()})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case msg := <-msgChan:
				event, payload := "settlement", interface{}(msg.Settlement)
				if msg.Payout != nil {
					event, payload = "payout", msg.Payout
				}
				data, err := json.Marshal(payload)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
				flusher.Flush()

			case err := <-doneChan:
				if err != nil && ctx.Err() == nil {
					logger.ErrorContext(ctx, "event stream failed", "error", err)
					fmt.Fprintf(w, "event: error\ndata: {\"error\": \"subscription failed\"}\n\n")
					flusher.Flush()
				}
				return

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
