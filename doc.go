// Package almoner is the request lifecycle and entitlement engine behind a
// student aid marketplace.
//
// Almoner is a library, not a service. It provides:
//
//   - A ledger of versioned requests and accounts, mutated only through
//     compare-and-swap on the record version
//   - A decision state machine (pending to approved or rejected, once)
//   - A closed routing table mapping a decided request to its audiences
//   - An entitlement gate that debits credits for metered features with a
//     bounded retry against concurrent writers
//   - A dispatcher that delivers each decision at most once per audience
//   - An append-only audit log, queryable by subject and time range
//
// # Quick Start
//
//	store := memory.New() // or postgres.New(db), sqlite.New(db), mongo.New(db)
//
//	eng := almoner.New(store,
//	    almoner.WithLogger(slog.Default()),
//	    almoner.WithDeliverer(mailer),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
//	req, err := eng.Submit(ctx, request.Submission{
//	    Kind:        almoner.KindScholarship,
//	    SubmitterID: "student_42",
//	})
//
//	decision, err := eng.Decide(almoner.WithActor(ctx, "admin_7"), req.ID, request.Decision{
//	    Outcome: almoner.StatusApproved,
//	    Notes:   "documents verified",
//	})
//
// # Entitlements
//
// Features carry a credit cost. Consume checks the feature is enabled and
// the account can pay, then debits it:
//
//	receipt, err := eng.Consume(ctx, accountID, featureID,
//	    almoner.WithIdempotencyKey("chat-session-9"))
//	switch {
//	case almoner.IsEntitlementDenied(err):
//	    // feature disabled or not enough credit
//	case almoner.IsRetryable(err):
//	    // contended, try again later
//	}
//
// A repeated key returns the original receipt with Replayed set.
//
// # Concurrency
//
// Every write to a request or account names the version it read. Of two
// writers holding the same version exactly one succeeds; the other gets a
// *ConflictError. Decisions are never retried automatically. Debits retry
// a bounded number of times with jittered backoff and then fail with a
// *ContentionError.
//
// # TypeID
//
// All records use TypeIDs:
//
//	req_01h2xcejqtf2nbrexx3vqjhp41   // Request ID
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	aud_01h455vb4pex5vsknk084sn02q   // Audit entry ID
//
// TypeIDs are K-sortable, which keeps audit entries with equal timestamps
// in a stable order.
package almoner
