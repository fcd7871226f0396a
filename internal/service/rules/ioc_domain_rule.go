package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/target/merrymaker/internal/domain/model"
)

// IOCDomainRuleName is the registry name of the IOC domain rule.
const IOCDomainRuleName = "ioc.domain"

// IOCDomainRule alerts when a web request targets a host matching an enabled
// indicator. Allow-listed hosts are exempt. Most requests hit a small set of
// repeated hosts, so lookups go through the tiered caches.
type IOCDomainRule struct {
	iocs  *IOCCache
	allow *AllowListChecker
}

// NewIOCDomainRule creates the rule.
func NewIOCDomainRule(iocs *IOCCache, allow *AllowListChecker) *IOCDomainRule {
	return &IOCDomainRule{iocs: iocs, allow: allow}
}

func (r *IOCDomainRule) Name() string { return IOCDomainRuleName }

func (r *IOCDomainRule) EventTypes() []model.ScanEventType {
	return []model.ScanEventType{model.ScanEventWebRequest}
}

func (r *IOCDomainRule) Process(ctx context.Context, event *model.ScanEvent) ([]RuleAlert, error) {
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

	ioc, err := r.iocs.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if ioc == nil {
		return nil, nil
	}

	ctxJSON, err := json.Marshal(map[string]string{
		"host":      host,
		"ioc_id":    ioc.ID,
		"ioc_type":  string(ioc.Type),
		"ioc_value": ioc.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("encode alert context: %w", err)
	}
	return []RuleAlert{{
		Rule:    r.Name(),
		Message: fmt.Sprintf("request to known-bad host %s (matched %s %s)", host, ioc.Type, ioc.Value),
		Level:   "error",
		Context: ctxJSON,
	}}, nil
}

// hostFromWebRequest extracts the normalized hostname from a web-request
// payload. An unparseable URL is not an error; the event just has nothing for
// domain rules to act on.
func hostFromWebRequest(event *model.ScanEvent) (string, error) {
	var payload model.WebRequestPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode web-request payload: %w", err)
	}
	if payload.URL == "" {
		return "", nil
	}
	u, err := url.Parse(payload.URL)
	if err != nil || u.Hostname() == "" {
		return "", nil
	}
	return model.NormalizeHost(u.Hostname()), nil
}
