// Package dedupe detects repeated submissions of the same user message.
//
// Browsers retry POSTs on flaky connections. The send endpoint marks each
// chat and message id pair and rejects a repeat within the TTL, so one user
// message never starts two agent generations.
package dedupe
