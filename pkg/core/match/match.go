// Package match scores stored mocks against decoded query payloads. The
// policy is deterministic: an exact match always beats a pattern match, ties
// fall to the newest mock, then to the pattern closest to the query by edit
// distance, then to the lexicographically smallest id.
package match

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/dbtap/dbtap/pkg/models"
)

// Kind ranks how a mock matched.
type Kind int

const (
	KindNone Kind = iota
	KindPattern
	KindExact
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPattern:
		return "pattern"
	default:
		return "none"
	}
}

// Best returns the winning mock among the candidates, or nil when nothing
// matches. Disabled mocks never match. Candidates may arrive in any order.
func Best(payload models.QueryPayload, candidates []*models.Mock) (*models.Mock, Kind) {
	normalized := payload.Normalized()
	if normalized == "" {
		return nil, KindNone
	}

	var (
		best     *models.Mock
		bestKind Kind
		bestDist int
	)
	for _, mock := range candidates {
		if !mock.Enabled {
			continue
		}
		kind := Evaluate(payload, mock.Pattern)
		if kind == KindNone {
			continue
		}
		dist := levenshtein.ComputeDistance(mock.Pattern, normalized)
		if best == nil || better(mock, kind, dist, best, bestKind, bestDist) {
			best, bestKind, bestDist = mock, kind, dist
		}
	}
	return best, bestKind
}

func better(m *models.Mock, kind Kind, dist int, cur *models.Mock, curKind Kind, curDist int) bool {
	if kind != curKind {
		return kind > curKind
	}
	if !m.CreatedAt.Equal(cur.CreatedAt) {
		return m.CreatedAt.After(cur.CreatedAt)
	}
	if dist != curDist {
		return dist < curDist
	}
	return m.ID < cur.ID
}

// Evaluate classifies how a single pattern matches the payload.
func Evaluate(payload models.QueryPayload, pattern string) Kind {
	switch payload.Kind {
	case models.PayloadSQL:
		return evaluateSQL(payload.SQL, pattern)
	case models.PayloadMongo:
		return evaluateMongo(payload, pattern)
	case models.PayloadRedis:
		return evaluateRedis(payload.Args, pattern)
	default:
		return KindNone
	}
}

// evaluateSQL: exact is whitespace-normalized equality, pattern is a
// case-insensitive substring of the normalized statement.
func evaluateSQL(sql, pattern string) Kind {
	normQuery := models.NormalizeSQL(sql)
	normPattern := models.NormalizeSQL(pattern)
	if normPattern == "" {
		return KindNone
	}
	if normQuery == normPattern {
		return KindExact
	}
	if strings.Contains(strings.ToLower(normQuery), strings.ToLower(normPattern)) {
		return KindPattern
	}
	return KindNone
}

// evaluateMongo: exact covers command, collection and the canonical body;
// a "command collection" pattern matches any body.
func evaluateMongo(payload models.QueryPayload, pattern string) Kind {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return KindNone
	}
	if pattern == payload.Normalized() {
		return KindExact
	}
	if pattern == payload.Command+" "+payload.Collection {
		return KindPattern
	}
	return KindNone
}

// evaluateRedis: exact is the full command line, pattern is a leading
// "COMMAND key..." prefix on argument boundaries. The command word compares
// case-insensitively.
func evaluateRedis(args []string, pattern string) Kind {
	if len(args) == 0 {
		return KindNone
	}
	patternArgs := strings.Fields(pattern)
	if len(patternArgs) == 0 || len(patternArgs) > len(args) {
		return KindNone
	}
	if !strings.EqualFold(patternArgs[0], args[0]) {
		return KindNone
	}
	for i := 1; i < len(patternArgs); i++ {
		if patternArgs[i] != args[i] {
			return KindNone
		}
	}
	if len(patternArgs) == len(args) {
		return KindExact
	}
	return KindPattern
}
