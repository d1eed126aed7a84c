// Package models holds the shared data model for the interception engine.
package models

import (
	"regexp"
	"strings"
)

// Protocol identifies the wire protocol a proxy speaks.
type Protocol string

const (
	Postgres  Protocol = "postgresql"
	MySQL     Protocol = "mysql"
	MongoDB   Protocol = "mongodb"
	SQLServer Protocol = "sqlserver"
	Redis     Protocol = "redis"
)

// ValidProtocol reports whether p is one of the supported wire protocols.
func ValidProtocol(p Protocol) bool {
	switch p {
	case Postgres, MySQL, MongoDB, SQLServer, Redis:
		return true
	}
	return false
}

// CommandType is the normalized command classification of a decoded query.
type CommandType string

const (
	CmdSelect    CommandType = "SELECT"
	CmdInsert    CommandType = "INSERT"
	CmdUpdate    CommandType = "UPDATE"
	CmdDelete    CommandType = "DELETE"
	CmdCreate    CommandType = "CREATE"
	CmdDrop      CommandType = "DROP"
	CmdAlter     CommandType = "ALTER"
	CmdBegin     CommandType = "BEGIN"
	CmdCommit    CommandType = "COMMIT"
	CmdRollback  CommandType = "ROLLBACK"
	CmdFind      CommandType = "FIND"
	CmdAggregate CommandType = "AGGREGATE"
	CmdCount     CommandType = "COUNT"
	CmdGet       CommandType = "GET"
	CmdSet       CommandType = "SET"
	CmdDel       CommandType = "DEL"
	CmdPing      CommandType = "PING"
	CmdUnknown   CommandType = "UNKNOWN"
)

var sqlCommands = map[string]CommandType{
	"SELECT":   CmdSelect,
	"INSERT":   CmdInsert,
	"UPDATE":   CmdUpdate,
	"DELETE":   CmdDelete,
	"CREATE":   CmdCreate,
	"DROP":     CmdDrop,
	"ALTER":    CmdAlter,
	"BEGIN":    CmdBegin,
	"START":    CmdBegin,
	"COMMIT":   CmdCommit,
	"ROLLBACK": CmdRollback,
	"WITH":     CmdSelect,
}

// CommandFromSQL classifies a SQL statement by its leading keyword.
func CommandFromSQL(text string) CommandType {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return CmdUnknown
	}
	if cmd, ok := sqlCommands[strings.ToUpper(fields[0])]; ok {
		return cmd
	}
	return CmdUnknown
}

var mongoCommands = map[string]CommandType{
	"find":      CmdFind,
	"aggregate": CmdAggregate,
	"count":     CmdCount,
	"insert":    CmdInsert,
	"update":    CmdUpdate,
	"delete":    CmdDelete,
	"ping":      CmdPing,
}

// CommandFromMongo classifies a mongo command document by its command name.
func CommandFromMongo(command string) CommandType {
	if cmd, ok := mongoCommands[command]; ok {
		return cmd
	}
	return CmdUnknown
}

var redisCommands = map[string]CommandType{
	"GET":     CmdGet,
	"MGET":    CmdGet,
	"HGET":    CmdGet,
	"HGETALL": CmdGet,
	"SET":     CmdSet,
	"SETEX":   CmdSet,
	"HSET":    CmdSet,
	"DEL":     CmdDel,
	"UNLINK":  CmdDel,
	"PING":    CmdPing,
}

// CommandFromRedis classifies a redis command by its name.
func CommandFromRedis(command string) CommandType {
	if cmd, ok := redisCommands[strings.ToUpper(command)]; ok {
		return cmd
	}
	return CmdUnknown
}

// Table-name sniffing is a display-level grouping convenience only; the
// matcher never depends on it.
var tableRe = regexp.MustCompile(`(?i)\b(?:from|into|update|join|table)\s+([a-zA-Z0-9_."$\[\]]+)`)

// TableFromSQL extracts a best-effort target table name for grouping.
func TableFromSQL(text string) string {
	m := tableRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(m[1], `"[]`)
}
