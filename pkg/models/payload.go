package models

import (
	"encoding/base64"
	"strings"
)

// PayloadKind tags the protocol family of a decoded query payload.
type PayloadKind string

const (
	PayloadSQL   PayloadKind = "sql"
	PayloadMongo PayloadKind = "mongo"
	PayloadRedis PayloadKind = "redis"
	PayloadRaw   PayloadKind = "raw"
)

// QueryPayload is the tagged union carried by a decoded query. Decoders fill
// the fields of their own kind; the matcher dispatches on Kind instead of
// duck-typing.
type QueryPayload struct {
	Kind PayloadKind `json:"kind" yaml:"kind"`

	// PayloadSQL
	SQL string `json:"sql,omitempty" yaml:"sql,omitempty"`

	// PayloadMongo
	Command    string `json:"command,omitempty" yaml:"command,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Document   string `json:"document,omitempty" yaml:"document,omitempty"`

	// PayloadRedis
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// PayloadRaw
	Raw []byte `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Normalized returns the canonical matching form of the payload. The rules
// are deterministic per protocol class:
//   - sql: whitespace collapsed, trailing semicolon trimmed
//   - mongo: "<command> <collection> <canonical body>"
//   - redis: command upper-cased, args joined by single spaces
//   - raw: base64 of the frame bytes
func (p QueryPayload) Normalized() string {
	switch p.Kind {
	case PayloadSQL:
		return NormalizeSQL(p.SQL)
	case PayloadMongo:
		s := p.Command + " " + p.Collection
		if p.Document != "" {
			s += " " + p.Document
		}
		return s
	case PayloadRedis:
		if len(p.Args) == 0 {
			return ""
		}
		parts := make([]string, len(p.Args))
		copy(parts, p.Args)
		parts[0] = strings.ToUpper(parts[0])
		return strings.Join(parts, " ")
	default:
		return base64.StdEncoding.EncodeToString(p.Raw)
	}
}

// NormalizeSQL collapses runs of whitespace to single spaces and trims the
// trailing statement terminator. Case is preserved.
func NormalizeSQL(text string) string {
	norm := strings.Join(strings.Fields(text), " ")
	return strings.TrimSuffix(norm, ";")
}
