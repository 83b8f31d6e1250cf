// Package tollgate provides a forwarding HTTP proxy that admits requests by
// destination domain.
//
// Every request target is normalized with [NormalizeTarget] and checked
// against a [DomainSet]. With Restrict set the set is a blocklist, otherwise
// it is an allowlist; see [Allow]. Admitted CONNECT requests become opaque
// byte tunnels, and admitted plain HTTP requests are forwarded to the origin
// over a fresh connection. Denied requests get a 403 reject page and never
// contact an upstream.
//
// Basic usage:
//
//	ds, err := tollgate.LoadDomainSet(ctx, tollgate.NewFileSource("domain_list"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := tollgate.NewProxy("0.0.0.0:3000", ds, false)
//	log.Fatal(proxy.ListenAndServe())
//
// # Domain Sources
//
// Domain lists can come from files, HTTP endpoints, a SQL database or
// static values, and several sources can be merged:
//
//	src := tollgate.NewMultiSource(
//	    tollgate.NewFileSource("domain_list"),
//	    tollgate.NewURLSource("https://lists.example.com/domains.txt"),
//	    tollgate.NewStaticSource("example.com"),
//	)
//
// A [Reloader] swaps in a freshly loaded set; [WatchSIGHUP] drives it from
// SIGHUP and [OpsAPI] from POST /api/reload.
//
// # Operations
//
// [OpsAPI] serves /healthz, /readyz, /metrics and a JSON API. Assign it to
// Proxy.Ops to serve it on the proxy port for non-proxy requests:
//
//	proxy.Metrics = tollgate.NewMetrics()
//	proxy.HealthChecker = tollgate.NewHealthChecker()
//	proxy.Ops = tollgate.NewOpsAPI(proxy)
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := proxy.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package tollgate
