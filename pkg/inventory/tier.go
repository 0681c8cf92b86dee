package inventory

import "strings"

// Normalized storage tiers. Intelligent-Tiering objects are split by their
// access tier.
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierGlacierIR         = "GLACIER_IR"
	TierGlacier           = "GLACIER"
	TierDeepArchive       = "DEEP_ARCHIVE"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierITFrequent        = "INTELLIGENT_TIERING_FREQUENT"
	TierITInfrequent      = "INTELLIGENT_TIERING_INFREQUENT"
	TierITArchiveInstant  = "INTELLIGENT_TIERING_ARCHIVE_INSTANT"
	TierITArchive         = "INTELLIGENT_TIERING_ARCHIVE"
	TierITDeepArchive     = "INTELLIGENT_TIERING_DEEP_ARCHIVE"
)

// AllTiers lists every normalized tier.
var AllTiers = []string{
	TierStandard, TierStandardIA, TierOneZoneIA, TierGlacierIR, TierGlacier,
	TierDeepArchive, TierReducedRedundancy, TierITFrequent, TierITInfrequent,
	TierITArchiveInstant, TierITArchive, TierITDeepArchive,
}

var knownClasses = func() map[string]bool {
	m := make(map[string]bool, len(AllTiers))
	for _, t := range AllTiers {
		m[t] = true
	}
	return m
}()

// Tier maps an inventory StorageClass and IntelligentTieringAccessTier to a
// normalized tier. Intelligent-Tiering without a known access tier is
// FREQUENT; unknown or empty storage classes are STANDARD.
func Tier(storageClass, accessTier string) string {
	storageClass = strings.ToUpper(strings.TrimSpace(storageClass))
	accessTier = strings.ToUpper(strings.TrimSpace(accessTier))

	if storageClass == "INTELLIGENT_TIERING" {
		switch accessTier {
		case "INFREQUENT_ACCESS", "INFREQUENT":
			return TierITInfrequent
		case "ARCHIVE_INSTANT_ACCESS":
			return TierITArchiveInstant
		case "ARCHIVE_ACCESS", "ARCHIVE":
			return TierITArchive
		case "DEEP_ARCHIVE_ACCESS", "DEEP_ARCHIVE":
			return TierITDeepArchive
		default:
			return TierITFrequent
		}
	}
	if knownClasses[storageClass] {
		return storageClass
	}
	return TierStandard
}
