// Package transport performs the two network primitives a session needs:
// one HTTP request and one streaming WebSocket connection.
//
// Invariants:
// - Send never retries; the caller decides.
// - Stream delivers frames to onMessage in arrival order and returns when the
//   connection ends. Cancelling ctx closes the connection locally without
//   waiting for the remote side.
// - Every failure is a *Error; IsDeadline tells deadline-class failures apart.
//
// Usage:
//
//	t := transport.NewHTTPTransport(transport.Options{RequestTimeout: 10 * time.Second})
//	body, err := t.Send(ctx, "https://api.binance.com/api/v3/userDataStream", http.MethodPost,
//		map[string]string{"X-MBX-APIKEY": key})
//	err = t.Stream(ctx, "wss://stream.binance.com:9443/ws/"+listenKey, func(p []byte) { fmt.Println(string(p)) })
package transport
