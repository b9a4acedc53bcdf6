package s3

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 Storage Tier Constants
const (
	TierStandard    = "STANDARD"
	TierStandardIA  = "STANDARD_IA"
	TierOneZoneIA   = "ONEZONE_IA"
	TierIntelligent = "INTELLIGENT_TIERING"
)

// StorageTierInfo describes a storage class usable for cached blobs.
type StorageTierInfo struct {
	Name          string `json:"name"`
	MinObjectSize int64  `json:"min_object_size"`
	// MinimumStorageDays is billed even when the cache deletes the object
	// earlier, so IA classes only pay off with long durable TTLs.
	MinimumStorageDays int `json:"minimum_storage_days"`
}

// StorageTiers lists the instant-retrieval storage classes. Archive classes
// are excluded since a cache read must never wait on a restore.
var StorageTiers = map[string]StorageTierInfo{
	TierStandard: {
		Name: "Standard",
	},
	TierStandardIA: {
		Name:               "Standard-Infrequent Access",
		MinObjectSize:      128 * 1024,
		MinimumStorageDays: 30,
	},
	TierOneZoneIA: {
		Name:               "One Zone-Infrequent Access",
		MinObjectSize:      128 * 1024,
		MinimumStorageDays: 30,
	},
	TierIntelligent: {
		Name: "Intelligent-Tiering",
	},
}

func convertTierToStorageClass(tier string) (types.StorageClass, error) {
	switch tier {
	case "", TierStandard:
		return types.StorageClassStandard, nil
	case TierStandardIA:
		return types.StorageClassStandardIa, nil
	case TierOneZoneIA:
		return types.StorageClassOnezoneIa, nil
	case TierIntelligent:
		return types.StorageClassIntelligentTiering, nil
	default:
		return "", fmt.Errorf("unsupported storage tier: %s", tier)
	}
}
