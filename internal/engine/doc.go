// Package engine coordinates multi-account chat automation: one supervised
// platform connection per account, a shared persona registry, and a
// dispatcher that turns inbound messages into persona replies.
//
// # Structure
//
// Engine is the facade every management surface goes through. Underneath:
//
//   - Supervisor owns connection lifecycle. Each started account gets a
//     connection and a cancellable context; stopping the account cancels the
//     context and abandons that account's in-flight work.
//   - Dispatcher is the per-message pipeline. Every inbound event runs in
//     its own goroutine: dedupe, self/unbound filtering, generation, the
//     configured response delay, delivery, and the audit record.
//   - Responder wraps the completion provider with credential resolution,
//     a per-call timeout, and response length clamping.
//
// # Failure Isolation
//
// One account failing to connect never affects another. One message failing
// to generate gets the fallback reply and the conversation moves on. The
// audit write is best effort: a storage error after delivery is logged and
// dropped rather than retried or surfaced.
package engine
