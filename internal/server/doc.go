/*
Package server hosts the concierge HTTP surface: the chi router, its
middleware chain and graceful lifecycle.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware keeps a well-formed incoming X-Request-ID or generates a
UUID, and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

## Logging (logging.go)

LoggingMiddleware writes one slog line per finished request:
  - status, bytes and duration, at a level picked from the status
  - "stream closed" with the stream kind for SSE and websocket connections
  - fields attached via AddLogField/AddError, such as conversation_id

The wrapped writer forwards Flush and Hijack so SSE and websocket
subscriptions work behind it.

## Timeout (timeout.go)

TimeoutMiddleware enforces request timeouts on ordinary requests. SSE and
websocket requests are exempt since they live as long as the client watches
the conversation.

## Rate Limiting (ratelimit.go)

RateLimiter keeps a token bucket per client address. Its Middleware answers
429 with a Retry-After header once the bucket is empty and writes
x-ratelimit-* headers on every limited route. It is mounted on message
submission only.

# Middleware Chain Order

 1. RequestIDMiddleware (first, to generate request IDs)
 2. LoggingMiddleware (logs all requests)
 3. TimeoutMiddleware (enforces timeouts)
 4. Recoverer (catches panics)
 5. OTel instrumentation (OpenTelemetry)

# Example Usage

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	chat.NewHandler(manager, agent).Mount(srv.Router, limiter)
	go srv.Start()
	defer srv.Shutdown(ctx)
*/
package server
