// Package testutil provides fixtures shared by gatekeep tests: real SQLite
// databases, approval and audit fixtures, a recording executor and small
// assertion helpers.
//
//	database := testutil.NewTestDB(t)
//	a := testutil.MakeApproval(t, database, testutil.WithLevel(core.L1))
//
// gate, audit, db and guard cannot import testutil since it depends on them.
package testutil
