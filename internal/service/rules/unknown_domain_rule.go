package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/target/merrymaker/internal/domain/model"
)

// UnknownDomainRuleName is the registry name of the unknown-domain rule.
const UnknownDomainRuleName = "unknown.domain"

// seenTypeUnknownDomain is the seen-string type under which this rule records
// hosts it has alerted on.
const seenTypeUnknownDomain = "unknown-domain"

// UnknownDomainRule alerts the first time a scan requests a host that is
// neither allow-listed nor previously observed. Once alerted, the host is
// recorded as seen and suppressed for the retention window.
type UnknownDomainRule struct {
	allow *AllowListChecker
	seen  *SeenStringsCache
}

// NewUnknownDomainRule creates the rule.
func NewUnknownDomainRule(allow *AllowListChecker, seen *SeenStringsCache) *UnknownDomainRule {
	return &UnknownDomainRule{allow: allow, seen: seen}
}

func (r *UnknownDomainRule) Name() string { return UnknownDomainRuleName }

func (r *UnknownDomainRule) EventTypes() []model.ScanEventType {
	return []model.ScanEventType{model.ScanEventWebRequest}
}

func (r *UnknownDomainRule) Process(ctx context.Context, event *model.ScanEvent) ([]RuleAlert, error) {
	host, err := hostFromWebRequest(event)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, nil
	}

	if r.allow != nil {
		allowed, err := r.allow.Contains(ctx, model.AllowListFQDN, host)
		if err != nil {
			return nil, err
		}
		if allowed {
			return nil, nil
		}
	}

	seen, err := r.seen.Seen(ctx, seenTypeUnknownDomain, host)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, nil
	}

	// Record before returning so a concurrent evaluation of the same host
	// on another worker suppresses rather than double-alerting. Test scans
	// still alert but must not poison the seen set.
	if !event.Test {
		if err := r.seen.Record(ctx, seenTypeUnknownDomain, host); err != nil {
			return nil, err
		}
	}

	ctxJSON, err := json.Marshal(map[string]string{"host": host})
	if err != nil {
		return nil, fmt.Errorf("encode alert context: %w", err)
	}
	return []RuleAlert{{
		Rule:    r.Name(),
		Message: fmt.Sprintf("request to previously unseen host %s", host),
		Level:   "warning",
		Context: ctxJSON,
	}}, nil
}
