// Package client is the Go SDK for the ledgerd HTTP API.
//
// A Client is bound to one tenant. It authenticates either with an actor
// token issued by the server operator:
//
//	c, err := client.New("https://ledger.example.com", tenantID,
//	    client.WithBearerToken(token),
//	)
//
// or, against a development server running without auth.jwt_secret, by
// asserting the actor in headers:
//
//	c, err := client.New("http://localhost:8080", tenantID,
//	    client.WithActorHeaders(actorID, "admin"),
//	)
//
// # Appending
//
//	rec, err := c.Append(ctx, client.AppendRequest{
//	    EventType: "invoice.paid",
//	    Payload:   map[string]any{"invoice_id": "inv_42", "amount": 120},
//	})
//
// A 409 from the server (errors.Is(err, client.ErrConflict)) means another
// writer appended first; re-read the head before retrying.
//
// # Verifying
//
// Verify asks the server to verify the tenant's chain. To verify without
// trusting the server, export the bundle and check it locally:
//
//	b, err := c.Export(ctx)
//	rep := client.VerifyBundle(b)
//	fmt.Println(rep.Result) // result=VALID record_count=...
//
// Record, Result, Bundle and BundleReport alias the server's wire types, so
// values returned here can be stored and passed around by name.
package client
