package reactive

import (
	"strings"

	"github.com/untoldecay/ledgerstore/internal/ledgererr"
	"github.com/xwb1989/sqlparser"
)

// ExtractTableDependencies parses sql with a proper AST-walking parser
// and returns the set of table names it reads or writes, recursing
// into derived tables, subqueries (IN/EXISTS/scalar positions), unions,
// and nested joins. Substring matching on FROM is deliberately not used
// anywhere in this file (spec §4.4).
//
// The grammar this parser implements predates WITH-clause support, so
// a query using a CTE fails to parse and ExtractTableDependencies
// returns an error rather than a silently incomplete dependency set;
// Subscribe surfaces that error to the caller instead of under-firing
// later.
func ExtractTableDependencies(sql string) (map[string]struct{}, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, ledgererr.Serialization("reactive.ExtractTableDependencies", err)
	}

	tables := make(map[string]struct{})
	extractFromStatement(stmt, tables)
	return tables, nil
}

func extractFromStatement(stmt sqlparser.Statement, out map[string]struct{}) {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		extractFromSelect(s, out)
	case *sqlparser.Union:
		extractFromStatement(s.Left, out)
		extractFromStatement(s.Right, out)
	case *sqlparser.Insert:
		out[tableName(s.Table)] = struct{}{}
		extractFromInsertRows(s.Rows, out)
	case *sqlparser.Update:
		extractFromTableExprs(s.TableExprs, out)
		extractFromWhere(s.Where, out)
	case *sqlparser.Delete:
		extractFromTableExprs(s.TableExprs, out)
		extractFromWhere(s.Where, out)
	case *sqlparser.ParenSelect:
		extractFromStatement(s.Select, out)
	}
}

func extractFromInsertRows(rows sqlparser.InsertRows, out map[string]struct{}) {
	if sel, ok := rows.(sqlparser.SelectStatement); ok {
		extractFromStatement(sel, out)
	}
}

func extractFromSelect(sel *sqlparser.Select, out map[string]struct{}) {
	extractFromTableExprs(sel.From, out)
	extractFromWhere(sel.Where, out)
	extractFromWhere(sel.Having, out)
	for _, expr := range sel.SelectExprs {
		if ae, ok := expr.(*sqlparser.AliasedExpr); ok {
			extractFromExpr(ae.Expr, out)
		}
	}
}

func extractFromWhere(where *sqlparser.Where, out map[string]struct{}) {
	if where == nil {
		return
	}
	extractFromExpr(where.Expr, out)
}

func extractFromTableExprs(exprs sqlparser.TableExprs, out map[string]struct{}) {
	for _, e := range exprs {
		extractFromTableExpr(e, out)
	}
}

func extractFromTableExpr(expr sqlparser.TableExpr, out map[string]struct{}) {
	switch t := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		switch inner := t.Expr.(type) {
		case sqlparser.TableName:
			if !inner.IsEmpty() {
				out[tableName(inner)] = struct{}{}
			}
		case *sqlparser.Subquery:
			extractFromStatement(inner.Select, out)
		}
	case *sqlparser.JoinTableExpr:
		extractFromTableExpr(t.LeftExpr, out)
		extractFromTableExpr(t.RightExpr, out)
		if t.Condition.On != nil {
			extractFromExpr(t.Condition.On, out)
		}
	case *sqlparser.ParenTableExpr:
		extractFromTableExprs(t.Exprs, out)
	}
}

// extractFromExpr recurses into any expression that may embed a
// subquery: comparisons, boolean connectives, EXISTS, IN, BETWEEN,
// CASE, and unary/parenthesized wrappers.
func extractFromExpr(expr sqlparser.Expr, out map[string]struct{}) {
	switch e := expr.(type) {
	case *sqlparser.Subquery:
		extractFromStatement(e.Select, out)
	case *sqlparser.ExistsExpr:
		extractFromStatement(e.Subquery.Select, out)
	case *sqlparser.ComparisonExpr:
		extractFromExpr(e.Left, out)
		extractFromExpr(e.Right, out)
	case *sqlparser.AndExpr:
		extractFromExpr(e.Left, out)
		extractFromExpr(e.Right, out)
	case *sqlparser.OrExpr:
		extractFromExpr(e.Left, out)
		extractFromExpr(e.Right, out)
	case *sqlparser.NotExpr:
		extractFromExpr(e.Expr, out)
	case *sqlparser.ParenExpr:
		extractFromExpr(e.Expr, out)
	case *sqlparser.RangeCond:
		extractFromExpr(e.Left, out)
		extractFromExpr(e.From, out)
		extractFromExpr(e.To, out)
	case *sqlparser.IsExpr:
		extractFromExpr(e.Expr, out)
	case *sqlparser.BinaryExpr:
		extractFromExpr(e.Left, out)
		extractFromExpr(e.Right, out)
	case *sqlparser.UnaryExpr:
		extractFromExpr(e.Expr, out)
	case *sqlparser.CaseExpr:
		if e.Expr != nil {
			extractFromExpr(e.Expr, out)
		}
		for _, w := range e.Whens {
			extractFromExpr(w.Cond, out)
			extractFromExpr(w.Val, out)
		}
		if e.Else != nil {
			extractFromExpr(e.Else, out)
		}
	}
}

func tableName(t sqlparser.TableName) string {
	return strings.TrimSpace(t.Name.String())
}
