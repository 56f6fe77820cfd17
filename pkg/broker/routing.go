package broker

import "fmt"

// Routing key conventions (global across services). Keys are derived from
// the migration identity so they are reproducible for replay and
// collision-free across concurrent migrations.
const (
	GradingPrefix = "grading"

	rawSuffix    = "raw"
	scoredSuffix = "scored"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// RawGradeKey returns "grading:{migrationID}:raw", the outbound raw-grade feed.
func RawGradeKey(migrationID string) string {
	return NamespaceKey(NamespaceKey(GradingPrefix, migrationID), rawSuffix)
}

// ScoredKey returns "grading:{migrationID}:scored", the inbound computed-score feed.
func ScoredKey(migrationID string) string {
	return NamespaceKey(NamespaceKey(GradingPrefix, migrationID), scoredSuffix)
}
