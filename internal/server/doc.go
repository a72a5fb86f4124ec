/*
Package server provides the HTTP server and middleware chain shared by every
replywatch route.

# Middleware Components

## Request ID (middleware.go)

RequestIDMiddleware keeps an incoming X-Request-ID (up to 128 characters) or
generates a UUID, and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

## Logging (logging.go)

LoggingMiddleware emits one structured line per request:
  - "request started" at debug level
  - "request completed" with status and duration, at error level for 5xx
  - Extra fields added by handlers via AddLogField/AddError

## Identity (identity.go)

IdentityMiddleware reads the operator name that the fronting proxy has
already verified (X-Authenticated-User by default) and stores it for
GetActor. The header is trusted as-is.

## Rate Limiting (ratelimit.go)

RateLimitMiddleware applies a token bucket to the whole listener. Rejected
requests get 429 with Retry-After and x-ratelimit-limit-requests.

## Timeout (middleware.go)

TimeoutMiddleware puts a deadline on the request context. Handlers pass the
context down so storage calls observe it.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. IdentityMiddleware
 4. RateLimitMiddleware
 5. TimeoutMiddleware
 6. Recoverer
 7. OTel instrumentation

# Example Usage

	srv := server.New(server.Config{Port: 8080}, logger)
	api.NewHandler(tracker).Register(srv.Router)
	go srv.Start()
	defer srv.Shutdown(ctx)
*/
package server
