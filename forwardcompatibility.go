package transactions

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type forwardCompatExtension string

const (
	forwardCompatExtensionTransactionID  forwardCompatExtension = "TI"
	forwardCompatExtensionDeferredCommit forwardCompatExtension = "DC"
	forwardCompatExtensionBinaryMetadata forwardCompatExtension = "BM"
)

type forwardCompatStage string

const (
	forwardCompatStageWWCReadingATR    forwardCompatStage = "WW_R"
	forwardCompatStageWWCReplacing     forwardCompatStage = "WW_RP"
	forwardCompatStageWWCRemoving      forwardCompatStage = "WW_RM"
	forwardCompatStageWWCInserting     forwardCompatStage = "WW_I"
	forwardCompatStageWWCInsertingGet  forwardCompatStage = "WW_IG"
	forwardCompatStageGets             forwardCompatStage = "G"
	forwardCompatStageGetsReadingATR   forwardCompatStage = "G_A"
	forwardCompatStageGetsCleanupEntry forwardCompatStage = "CL_E"
	forwardCompatStageGetMultiGet      forwardCompatStage = "GM_G"
)

const (
	protocolMajor = 2
	protocolMinor = 0
)

// ForwardCompatibilityEntry represents a forward compatibility entry.
type ForwardCompatibilityEntry struct {
	ProtocolVersion   string `json:"p,omitempty"`
	ProtocolExtension string `json:"e,omitempty"`
	Behaviour         string `json:"b,omitempty"`
	RetryInterval     int    `json:"ra,omitempty"`
}

var supportedForwardCompatExtensions = []forwardCompatExtension{
	forwardCompatExtensionTransactionID,
	forwardCompatExtensionDeferredCommit,
	forwardCompatExtensionBinaryMetadata,
}

func checkForwardCompatProtocol(protocolVersion string) (bool, error) {
	if protocolVersion == "" {
		return false, nil
	}

	protocol := strings.Split(protocolVersion, ".")
	if len(protocol) != 2 {
		return false, errors.Errorf("invalid protocol: %s", protocolVersion)
	}
	major, err := strconv.Atoi(protocol[0])
	if err != nil {
		return false, errors.Wrap(err, "invalid protocol major")
	}
	if protocolMajor < major {
		return false, nil
	}
	if protocolMajor == major {
		minor, err := strconv.Atoi(protocol[1])
		if err != nil {
			return false, errors.Wrap(err, "invalid protocol minor")
		}
		if protocolMinor < minor {
			return false, nil
		}
	}

	return true, nil
}

func checkForwardCompatExtension(extension string) bool {
	if extension == "" {
		return false
	}

	for _, supported := range supportedForwardCompatExtensions {
		if string(supported) == extension {
			return true
		}
	}

	return false
}

// checkForwardCompatibility evaluates the entries recorded for stage.  When
// an entry asks for a retry after an interval, the wait happens here and the
// caller is told to retry.
func checkForwardCompatibility(
	ctx context.Context,
	stage forwardCompatStage,
	fc map[string][]ForwardCompatibilityEntry,
) (shouldRetry bool, err error) {
	if len(fc) == 0 {
		return false, nil
	}

	checks, ok := fc[string(stage)]
	if !ok {
		return false, nil
	}

	for _, c := range checks {
		protocolOk, err := checkForwardCompatProtocol(c.ProtocolVersion)
		if err != nil {
			return false, err
		}
		if protocolOk {
			continue
		}

		if checkForwardCompatExtension(c.ProtocolExtension) {
			continue
		}

		switch c.Behaviour {
		case "r":
			if c.RetryInterval > 0 {
				select {
				case <-time.After(time.Duration(c.RetryInterval) * time.Millisecond):
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}
			return true, forwardCompatError{}
		case "f":
			return false, forwardCompatError{}
		}
	}

	return false, nil
}
