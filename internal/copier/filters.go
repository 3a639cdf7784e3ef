// Package copier implements trade copying from leader terminals to
// followers under a fixed reverse-hedge rule: every follower mirrors the
// opposite side of the leader. Grounded on the teacher's
// internal/reconciliation.Service for the offline-replay/watermark pattern
// and internal/gateway.Manager for the per-key mutex plus circuit-breaker
// shape, both re-targeted from exchange order reconciliation to terminal
// trade copying.
package copier

import "hedgeedge/internal/domain"

// magicAllowed implements the magic-number filter (spec §4.8.1): empty
// white + empty black allows everything; a non-empty whitelist requires
// membership; a non-empty blacklist forbids membership; when both are set,
// whitelist is checked first.
func magicAllowed(f domain.FollowerConfig, magic int) bool {
	if len(f.MagicNumberWhitelist) == 0 && len(f.MagicNumberBlacklist) == 0 {
		return true
	}
	if len(f.MagicNumberWhitelist) > 0 && !containsInt(f.MagicNumberWhitelist, magic) {
		return false
	}
	if len(f.MagicNumberBlacklist) > 0 && containsInt(f.MagicNumberBlacklist, magic) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// mapSymbol implements the ordered symbol-mapping algorithm (spec §4.8.2).
// Returns ("", false) when the leader symbol should not be copied at all.
func mapSymbol(group domain.CopierGroup, f domain.FollowerConfig, leaderSymbol string) (string, bool) {
	base := leaderSymbol
	if group.LeaderSuffix != "" && len(base) > len(group.LeaderSuffix) {
		if base[len(base)-len(group.LeaderSuffix):] == group.LeaderSuffix {
			base = base[:len(base)-len(group.LeaderSuffix)]
		}
	}

	if containsStr(f.SymbolBlacklist, base) || containsStr(f.SymbolBlacklist, leaderSymbol) {
		return "", false
	}
	if len(f.SymbolWhitelist) > 0 && !containsStr(f.SymbolWhitelist, base) && !containsStr(f.SymbolWhitelist, leaderSymbol) {
		return "", false
	}
	for _, alias := range f.SymbolAliases {
		if alias.LeaderSymbol == base || alias.LeaderSymbol == leaderSymbol {
			return alias.SlaveSymbol, true
		}
	}
	return base + f.SymbolSuffix, true
}

// normalizeVolume applies the leader-lots→follower-lots multiplier and
// tolerates a leader that reports volume in raw units rather than lots
// (spec §4.8 step 4: "leader volume may arrive as units (divide by 100000
// when > 100)").
func normalizeVolume(leaderVolume, lotMultiplier float64) float64 {
	lots := leaderVolume
	if lots > 100 {
		lots = lots / 100000
	}
	return lots * lotMultiplier
}
