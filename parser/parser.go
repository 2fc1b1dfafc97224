package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	tidbparser "github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// StmtType represents the type of SQL statement
type StmtType int

const (
	StmtUnknown StmtType = iota
	StmtSelect
	StmtInsert
	StmtUpdate
	StmtDelete
	StmtReplace
	StmtBegin
	StmtCommit
	StmtRollback
	StmtSet
	StmtSetNames
	StmtSetTransaction
	StmtUse
	StmtShow
	StmtExplain
	StmtCall
	StmtLoadData
	StmtDDL
)

// ErrSyntax is wrapped around parse failures caused by malformed SQL.
var ErrSyntax = errors.New("syntax error")

// ErrNotSupported is returned for statements the proxy refuses to route.
var ErrNotSupported = errors.New("statement not supported")

// Classification is the routing-relevant summary of one SQL statement.
type Classification struct {
	Type    StmtType
	IsWrite bool

	// Routing hints extracted from leading comments
	ForceMaster bool
	ForceSlave  bool
	TTL         int // cache TTL in seconds, 0 means no caching

	// Clause flags
	CalcFoundRows  bool // SELECT SQL_CALC_FOUND_ROWS / FOUND_ROWS()
	LastInsertID   bool // bare SELECT LAST_INSERT_ID() / @@last_insert_id
	CurrentDate    bool // bare SELECT CURRENT_DATE
	VersionComment bool // bare SELECT @@version_comment
	ForUpdate      bool

	// SET statement details
	AutocommitOn  bool
	AutocommitOff bool
	NamesCharset  string            // SET NAMES <charset>
	SessionVars   map[string]string // plain SET var = value assignments

	// USE statement target
	UseDB string

	Query string // statement text with hint comments stripped
}

var (
	// Match /*#master*/ or /*#slave*/ routing hints, optionally with a
	// cache hint /* ttl:60 */ in the same comment style
	forceMasterRegex = regexp.MustCompile(`/\*\s*#\s*master\s*\*/`)
	forceSlaveRegex  = regexp.MustCompile(`/\*\s*#\s*slave\s*\*/`)
	ttlRegex         = regexp.MustCompile(`/\*\s*ttl:(\d+)\s*\*/`)
	hintStripRegex   = regexp.MustCompile(`/\*\s*(#\s*(master|slave)|ttl:\d+)\s*\*/`)
)

// tidb parser instances are stateful, so they are pooled rather than shared
var parserPool = sync.Pool{
	New: func() any {
		return tidbparser.New()
	},
}

// Classify parses one SQL statement and extracts everything the routing
// engine needs to know about it.
func Classify(sql string) (*Classification, error) {
	c := &Classification{
		Type:        StmtUnknown,
		SessionVars: map[string]string{},
	}

	// Hints first, then hand the cleaned text to the parser
	c.ForceMaster = forceMasterRegex.MatchString(sql)
	c.ForceSlave = forceSlaveRegex.MatchString(sql)
	if m := ttlRegex.FindStringSubmatch(sql); m != nil {
		c.TTL, _ = strconv.Atoi(m[1])
	}
	c.Query = strings.TrimSpace(hintStripRegex.ReplaceAllString(sql, ""))

	p := parserPool.Get().(*tidbparser.Parser)
	stmts, _, err := p.Parse(c.Query, "", "")
	parserPool.Put(p)
	if err != nil {
		return nil, errors.Join(ErrSyntax, err)
	}
	if len(stmts) == 0 {
		return nil, errors.Join(ErrSyntax, errors.New("empty statement"))
	}

	// Routing is decided on the first statement; multi-statement payloads
	// follow it to the same backend anyway.
	classifyNode(stmts[0], c)

	// TTL is silently ignored for anything that can modify data
	if c.IsWrite && c.TTL > 0 {
		c.TTL = 0
	}
	return c, nil
}

func classifyNode(node ast.StmtNode, c *Classification) {
	switch stmt := node.(type) {
	case *ast.SelectStmt:
		c.Type = StmtSelect
		if stmt.SelectStmtOpts != nil && stmt.SelectStmtOpts.CalcFoundRows {
			c.CalcFoundRows = true
		}
		if stmt.LockInfo != nil && stmt.LockInfo.LockType != ast.SelectLockNone {
			c.ForUpdate = true
			c.IsWrite = true
		}
		classifyBareSelect(stmt, c)

	case *ast.SetOprStmt:
		c.Type = StmtSelect

	case *ast.InsertStmt:
		if stmt.IsReplace {
			c.Type = StmtReplace
		} else {
			c.Type = StmtInsert
		}
		c.IsWrite = true

	case *ast.UpdateStmt:
		c.Type = StmtUpdate
		c.IsWrite = true

	case *ast.DeleteStmt:
		c.Type = StmtDelete
		c.IsWrite = true

	case *ast.BeginStmt:
		c.Type = StmtBegin

	case *ast.CommitStmt:
		c.Type = StmtCommit

	case *ast.RollbackStmt:
		c.Type = StmtRollback

	case *ast.SetStmt:
		classifySet(stmt, c)

	case *ast.UseStmt:
		c.Type = StmtUse
		c.UseDB = string(stmt.DBName)

	case *ast.ShowStmt:
		c.Type = StmtShow

	case *ast.ExplainStmt:
		c.Type = StmtExplain

	case *ast.CallStmt:
		// Procedures can write; route them to the primary
		c.Type = StmtCall
		c.IsWrite = true

	case *ast.LoadDataStmt:
		c.Type = StmtLoadData
		c.IsWrite = true

	case *ast.CreateTableStmt, *ast.CreateIndexStmt, *ast.CreateViewStmt,
		*ast.CreateDatabaseStmt, *ast.DropTableStmt, *ast.DropIndexStmt,
		*ast.DropDatabaseStmt, *ast.AlterTableStmt, *ast.TruncateTableStmt,
		*ast.RenameTableStmt:
		c.Type = StmtDDL
		c.IsWrite = true

	default:
		// Unrecognized statements go to the primary
		c.Type = StmtUnknown
		c.IsWrite = true
	}
}

// classifyBareSelect flags FROM-less selects the proxy can answer locally.
func classifyBareSelect(stmt *ast.SelectStmt, c *Classification) {
	if stmt.From != nil || stmt.Fields == nil || len(stmt.Fields.Fields) != 1 {
		if hasFoundRowsCall(stmt) {
			c.CalcFoundRows = true
		}
		return
	}

	switch expr := stmt.Fields.Fields[0].Expr.(type) {
	case *ast.FuncCallExpr:
		switch strings.ToUpper(expr.FnName.String()) {
		case "LAST_INSERT_ID":
			c.LastInsertID = true
		case "CURRENT_DATE", "CURDATE":
			c.CurrentDate = true
		case "FOUND_ROWS":
			c.CalcFoundRows = true
		}
	case *ast.VariableExpr:
		if expr.IsSystem {
			switch strings.ToLower(expr.Name) {
			case "last_insert_id":
				c.LastInsertID = true
			case "version_comment":
				c.VersionComment = true
			}
		}
	}
}

func hasFoundRowsCall(stmt *ast.SelectStmt) bool {
	if stmt.Fields == nil {
		return false
	}
	for _, field := range stmt.Fields.Fields {
		if fn, ok := field.Expr.(*ast.FuncCallExpr); ok {
			if strings.ToUpper(fn.FnName.String()) == "FOUND_ROWS" {
				return true
			}
		}
	}
	return false
}

func classifySet(stmt *ast.SetStmt, c *Classification) {
	c.Type = StmtSet

	for _, v := range stmt.Variables {
		name := strings.ToLower(v.Name)

		switch name {
		case "names", strings.ToLower(ast.SetNames):
			c.Type = StmtSetNames
			if val, ok := extractString(v.Value); ok {
				c.NamesCharset = val
			}
			continue
		case "tx_isolation", "transaction_isolation", "tx_read_only", "transaction_read_only":
			if !v.IsGlobal {
				c.Type = StmtSetTransaction
			}
		case "autocommit":
			if on, off := autocommitValue(v.Value); on {
				c.AutocommitOn = true
			} else if off {
				c.AutocommitOff = true
			}
		}

		if val, ok := extractString(v.Value); ok {
			c.SessionVars[name] = val
		} else {
			c.SessionVars[name] = ""
		}
	}
}

func autocommitValue(expr ast.ExprNode) (on, off bool) {
	if val, ok := extractString(expr); ok {
		switch strings.ToUpper(val) {
		case "1", "ON", "TRUE":
			return true, false
		case "0", "OFF", "FALSE":
			return false, true
		}
	}
	return false, false
}

func extractString(expr ast.ExprNode) (string, bool) {
	if expr == nil {
		return "", false
	}
	if val, ok := expr.(ast.ValueExpr); ok {
		switch v := val.GetValue().(type) {
		case string:
			return v, true
		case int64:
			return strconv.FormatInt(v, 10), true
		case uint64:
			return strconv.FormatUint(v, 10), true
		}
	}
	if col, ok := expr.(*ast.ColumnNameExpr); ok {
		// SET NAMES utf8 parses the bare identifier as a column reference
		return col.Name.Name.String(), true
	}
	return "", false
}

// IsCacheable reports whether the statement may be answered from the
// query cache.
func (c *Classification) IsCacheable() bool {
	return c.Type == StmtSelect && !c.IsWrite && c.TTL > 0 &&
		!c.LastInsertID && !c.CalcFoundRows && !c.ForUpdate
}
