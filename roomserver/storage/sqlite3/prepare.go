package sqlite3

import "database/sql"

// prepare mirrors postgres.prepare: one prepared statement per query,
// created up front by each table's constructor.
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

func txStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}
