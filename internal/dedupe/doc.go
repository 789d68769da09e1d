// Package dedupe absorbs duplicate send_message frames from reconnecting
// clients. A session marks each (user, client message id) pair on first
// sight; a retry of an already-accepted frame within the TTL is dropped
// instead of creating the message a second time. Marks for sends that
// failed are released so the retry goes through.
package dedupe
