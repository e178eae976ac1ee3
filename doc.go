// Package fapgate is the server front end of a messaging engine speaking the
// FAP wire protocol. It accepts TCP links, negotiates each conversation's
// handshake, and executes local and XA transaction requests against an
// engine while keeping per-link transaction state consistent when
// conversations go away.
//
// # Running a server
//
//	cfg := fapgate.Config{Listen: ":7276"}
//	srv, err := fapgate.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("fapgate: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("fapgate shutdown: %v", err)
//	    }
//	}()
//
// Without WithEngine the server runs transactions against an in-memory
// engine, which is enough for protocol testing and local development.
//
// # Handshakes
//
// The first segment of every conversation must be a handshake. Its TLV
// fields select the connection type (client or peer engine), the FAP level,
// heartbeat values, sizes and capabilities. A rejected handshake is answered
// with a reject segment carrying the reason, after which the conversation is
// closed. Repeated rejections from one host engage the connection guard.
//
// # Transactions
//
// Transaction ids are chosen by the peer and are scoped to the link. Every
// request on one transaction runs in arrival order on its own dispatch
// queue. When a conversation closes, the transactions it still owns are
// rolled back: client links roll back in-doubt branches too, peer links leave
// them for recovery.
//
// # Telemetry
//
// Set OTLPEndpoint to export traces, MetricsListen to serve Prometheus
// metrics and PprofListen to expose the pprof handlers.
package fapgate
