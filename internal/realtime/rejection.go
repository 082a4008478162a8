package realtime

import (
	"strconv"

	"github.com/sessioncast/relay/internal/planlimit"
	"github.com/sessioncast/relay/internal/protocol"
)

// Upgrade pages linked from quota errors.
const (
	DefaultPlanUpgradeURL  = "https://sessioncast.io/pricing"
	DefaultLimitUpgradeURL = "https://app.sessioncast.io/pricing"
)

// Rejection is a terminal refusal of a registration. The connection is sent
// the error envelope and closed with a policy-violation status.
type Rejection struct {
	Code       string
	Resource   string
	Current    int
	Max        int
	MessageEn  string
	MessageKo  string
	UpgradeURL string
}

// Message renders the rejection as an error envelope.
func (r *Rejection) Message() protocol.Message {
	info := protocol.ErrorInfo{
		Code:       r.Code,
		MessageEn:  r.MessageEn,
		MessageKo:  r.MessageKo,
		UpgradeURL: r.UpgradeURL,
	}
	if r.Resource != "" {
		info.Extra = map[string]string{
			"resource": r.Resource,
			"current":  strconv.Itoa(r.Current),
			"max":      strconv.Itoa(r.Max),
		}
	}
	return protocol.NewError(info)
}

func limitRejection(d planlimit.Decision, upgradeURL string) *Rejection {
	return &Rejection{
		Code:       protocol.CodeLimitExceeded,
		Resource:   d.Resource,
		Current:    d.Current,
		Max:        d.Max,
		MessageEn:  d.MessageEn,
		MessageKo:  d.MessageKo,
		UpgradeURL: upgradeURL,
	}
}

func planRejection(d planlimit.Decision, upgradeURL string) *Rejection {
	return &Rejection{
		Code:       protocol.CodePlanLimitExceeded,
		MessageEn:  d.MessageEn,
		MessageKo:  d.MessageKo,
		UpgradeURL: upgradeURL,
	}
}

func aliasOwnerRejection(alias string) *Rejection {
	return &Rejection{
		Code:      protocol.CodeOwnerMismatch,
		MessageEn: "You don't have access to this relay address: " + alias,
		MessageKo: "이 릴레이 주소(" + alias + ")에 접근 권한이 없습니다.",
	}
}

func sessionOwnerRejection(sessionID string) *Rejection {
	return &Rejection{
		Code:      protocol.CodeOwnerMismatch,
		MessageEn: "You don't have access to this session: " + sessionID,
		MessageKo: "이 세션(" + sessionID + ")에 접근 권한이 없습니다.",
	}
}

func invalidAliasRejection(alias string) *Rejection {
	return &Rejection{
		Code:      protocol.CodeInvalidRelayAlias,
		MessageEn: "Invalid relay address: " + alias,
		MessageKo: "유효하지 않은 릴레이 주소입니다: " + alias,
	}
}
