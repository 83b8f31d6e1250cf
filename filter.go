package tollgate

// Mode names how the domain set is interpreted.
type Mode string

const (
	// ModeBlocklist allows everything except listed domains (restrict=true).
	ModeBlocklist Mode = "blocklist"

	// ModeAllowlist denies everything except listed domains (restrict=false).
	ModeAllowlist Mode = "allowlist"
)

// ModeFor returns the list interpretation selected by restrict.
func ModeFor(restrict bool) Mode {
	if restrict {
		return ModeBlocklist
	}
	return ModeAllowlist
}

// Allow decides whether a normalized target may be proxied.
//
//	listed  restrict  result
//	yes     true      deny
//	yes     false     allow
//	no      true      allow
//	no      false     deny
//
// A nil set is empty.
func Allow(domains *DomainSet, restrict bool, target string) bool {
	listed := domains.Contains(target)

	switch {
	case listed && restrict:
		return false
	case listed && !restrict:
		return true
	case !listed && restrict:
		return true
	default:
		return false
	}
}
