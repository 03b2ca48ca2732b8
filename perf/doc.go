// Package perf runs volley plans programmatically.
//
// A plan file is parsed, compiled and run:
//
//	cfg, err := perf.LoadPlan("shop.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := perf.RunTest(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Tasks: %d\n", result.Metrics.TotalTasks)
//	fmt.Printf("P95: %v\n", result.Metrics.Latency.P95)
//	fmt.Printf("Passed: %v\n", result.Passed)
//
// # Progress and metrics
//
// A Runner reports progress through a hook and exposes its Prometheus
// metrics while the run is in progress:
//
//	r, _ := perf.NewRunner(cfg, perf.WithProgress(time.Second, func(p perf.Progress) {
//	    fmt.Printf("%d users, %d tasks\n", p.Users.Live, p.Snapshot.TotalTasks)
//	}))
//	http.Handle("/metrics", r.MetricsHandler())
//	result, err := r.Run(ctx)
//
// Cancelling ctx stops the run gracefully; the result still covers the
// outcomes recorded up to that point.
package perf
