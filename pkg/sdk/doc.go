/*
Package sdk provides the tinyapm agent for instrumenting Go applications.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    Service:  "my-app",
	    Endpoint: "http://localhost:8080/v1/ingest",
	})
	if err != nil {
	    log.Fatal(err)
	}

	// Start client (begins batching and sending transactions)
	client.Start(context.Background())
	defer client.Stop()

	// Wrap HTTP handlers so each request is a Web transaction
	mux := http.NewServeMux()
	mux.HandleFunc("/", homeHandler)
	handler := httpx.Middleware(client)(mux)

	http.ListenAndServe(":8000", handler)

# Transactions and Timers

A transaction is one unit of work: a request, a job, a message. Its
timers nest the way the calls do, and nested timers of the same name are
merged into one node:

	err := client.Do(ctx, "Background", "nightly report", func(ctx context.Context) error {
	    span := trace.StartTimer(ctx, "load rows")
	    rows := load()
	    span.End()

	    span = trace.StartTimer(ctx, "render")
	    defer span.End()
	    return render(rows)
	})

An error returned by the function marks the transaction as failed.

# Profiles

Do runs the function with a pprof label holding the trace ID. With
ProfileEvery set, the client captures CPU profiles periodically and
attaches each sample to the in-flight transaction it was taken for:

	client, _ := sdk.New(sdk.ClientConfig{
	    Service:         "my-app",
	    ProfileEvery:    time.Minute,
	    ProfileDuration: 2 * time.Second,
	})

Only one CPU profile can run per process, so leave ProfileEvery unset when
the application already exposes net/http/pprof.

# Batching & Flushing

Completed transactions are buffered and sent every FlushEvery (default 5
seconds) or whenever MaxBatchSize (default 1000) are waiting. Stop flushes
what is left. When the server is unreachable transactions are dropped
rather than retried; Dropped reports how many.

# Thread Stats

The Go runtime does not expose per-goroutine CPU, blocking or allocation
counters, so transactions report them as null unless the application
calls Transaction.SetThreadStats itself.
*/
package sdk
