package transactions

import (
	"context"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"go.uber.org/zap"
)

func durabilityLevelToDocstore(durabilityLevel DurabilityLevel) docstore.DurabilityLevel {
	switch durabilityLevel {
	case DurabilityLevelNone:
		return docstore.DurabilityLevelNone
	case DurabilityLevelMajority:
		return docstore.DurabilityLevelMajority
	case DurabilityLevelMajorityAndPersistToActive:
		return docstore.DurabilityLevelMajorityAndPersistToActive
	case DurabilityLevelPersistToMajority:
		return docstore.DurabilityLevelPersistToMajority
	default:
		// Unknown levels only arrive from cleanup of foreign entries, where no
		// durability is the safest match for what the server will accept.
		return docstore.DurabilityLevelNone
	}
}

func durabilityLevelToShorthand(durabilityLevel DurabilityLevel) jsonDurabilityLevel {
	switch durabilityLevel {
	case DurabilityLevelNone:
		return jsonDurabilityLevelNone
	case DurabilityLevelMajority:
		return jsonDurabilityLevelMajority
	case DurabilityLevelMajorityAndPersistToActive:
		return jsonDurabilityLevelMajorityAndPersistToActive
	case DurabilityLevelPersistToMajority:
		return jsonDurabilityLevelPersistToMajority
	default:
		// If it's an unknown durability level, default to majority.
		return jsonDurabilityLevelMajority
	}
}

func durabilityLevelFromShorthand(durabilityLevel jsonDurabilityLevel) DurabilityLevel {
	switch durabilityLevel {
	case jsonDurabilityLevelNone:
		return DurabilityLevelNone
	case jsonDurabilityLevelMajority:
		return DurabilityLevelMajority
	case jsonDurabilityLevelMajorityAndPersistToActive:
		return DurabilityLevelMajorityAndPersistToActive
	case jsonDurabilityLevelPersistToMajority:
		return DurabilityLevelPersistToMajority
	default:
		// If there is no durability level present then we'll set to majority.
		return DurabilityLevelMajority
	}
}

// sleepCtx waits for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func docField(agent docstore.Agent, scopeName, collectionName string, key []byte) zap.Field {
	if scopeName == "" {
		scopeName = defaultScopeName
	}
	if collectionName == "" {
		collectionName = defaultCollectionName
	}
	return zap.String("doc", agent.BucketName()+"/"+scopeName+"/"+collectionName+"/"+string(key))
}

func docRecordField(rec DocRecord) zap.Field {
	return zap.String("doc", rec.BucketName+"/"+rec.ScopeName+"/"+rec.CollectionName+"/"+string(rec.ID))
}

func nonEmpty(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
