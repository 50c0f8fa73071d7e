package postgres

import "database/sql"

// prepare prepares every SQL string in stmts against db, storing the
// *sql.Stmt at the pointer each key maps to, so each table prepares
// one statement per query up front rather than per call.
func prepare(db *sql.DB, stmts map[string]**sql.Stmt) error {
	for query, dest := range stmts {
		stmt, err := db.Prepare(query)
		if err != nil {
			return err
		}
		*dest = stmt
	}
	return nil
}

// txStmt rebinds a prepared statement to run inside txn when one is
// supplied.
func txStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}
