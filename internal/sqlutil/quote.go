// Package sqlutil provides SQL identifier helpers for metadata queries and
// compiled table references.
package sqlutil

import "strings"

// QuoteIdentifier quotes a MySQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// BracketIdentifier quotes a SQL Server identifier with square brackets,
// doubling any closing bracket within the identifier.
func BracketIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "]", "]]")
	return "[" + escaped + "]"
}

// QualifiedTableName renders a three-part [database].[schema].[name] reference.
func QualifiedTableName(database, schema, name string) string {
	return BracketIdentifier(database) + "." + BracketIdentifier(schema) + "." + BracketIdentifier(name)
}

// PrefixedTable applies an optional prefix to a table name and quotes it.
func PrefixedTable(prefix, name string) string {
	return QuoteIdentifier(prefix + name)
}
