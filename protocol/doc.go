// Package protocol implements the kernel wire protocol: signed multipart
// messages over three channel sockets, with request/reply correlation and
// a broadcast status stream.
//
// # Overview
//
// A kernel writes a connection file at startup naming the endpoints for
// its channels and the HMAC key for message signing. The Client reads
// that file, opens the shell (requests), iopub (broadcasts), and control
// (interrupts) sockets, and runs one persistent receive loop on iopub for
// the lifetime of the connection.
//
// # Client
//
// Client is the main type:
//
//	client := protocol.NewClient(connectionFile, protocol.Options{SessionID: id})
//	if err := client.Connect(ctx); err != nil {
//	    // Handle error
//	}
//	for chunk := range client.Execute(ctx, "print('hi')") {
//	    if chunk.Error != nil {
//	        // Handle error
//	    }
//	    fmt.Print(chunk.Content)
//	}
//	client.Disconnect()
//
// # Correlation
//
// Every outgoing message gets a fresh msg_id; every broadcast the kernel
// emits for that request carries the id in its parent header. Execute
// registers a pending entry under its msg_id before sending, streams
// correlated output chunks as they arrive, and resolves when the idle
// status broadcast for that id lands, not when the shell reply arrives,
// since output may still be streaming after the reply. Entries leave the
// registry exactly once: the idle match, the execution timeout, and
// disconnect cannot double-resolve a request.
//
// # Status Stream
//
// Status broadcasts (busy/idle) are process-wide signals, independent of
// any particular request:
//
//	client.OnStatus(func(state protocol.Status) { ... })
//
// Observers run on the receive loop in arrival order and should not block.
//
// # Wire Format
//
// Messages cross the wire as multipart frames: optional routing
// identities, a delimiter, a lowercase-hex HMAC-SHA256 signature, then
// the header, parent header, metadata, and content as JSON. Signatures on
// inbound messages are recorded but not verified; this client only talks
// to kernels it launched itself.
//
// # Thread Safety
//
// Client is thread-safe. Execute may be called concurrently; each call is
// correlated independently. Disconnect waits for the receive loop to exit,
// so no callback fires after it returns.
package protocol
