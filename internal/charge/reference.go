package charge

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Reference is the correlation data carried in a provider charge's external
// reference. It is informational and never used for deduplication.
type Reference struct {
	TenantID string
	PlanID   int64
	PayerID  string
}

// ExternalReference encodes ref as tenant:<t>|plan:<p>|payer:<u>|ts:<unix>.
// Free-form fields are query-escaped so separators inside ids survive.
func ExternalReference(ref Reference, at time.Time) string {
	return fmt.Sprintf("tenant:%s|plan:%d|payer:%s|ts:%d",
		url.QueryEscape(ref.TenantID), ref.PlanID, url.QueryEscape(ref.PayerID), at.Unix())
}

// ParseExternalReference decodes a reference written by ExternalReference.
// References without a payer field decode with an empty PayerID.
func ParseExternalReference(raw string) (Reference, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(raw, "|") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			return Reference{}, fmt.Errorf("malformed external reference %q", raw)
		}
		unescaped, err := url.QueryUnescape(v)
		if err != nil {
			return Reference{}, fmt.Errorf("external reference %q has a bad %s field: %w", raw, k, err)
		}
		fields[k] = unescaped
	}

	ref := Reference{TenantID: fields["tenant"], PayerID: fields["payer"]}
	if ref.TenantID == "" {
		return Reference{}, fmt.Errorf("external reference %q has no tenant", raw)
	}
	planID, err := strconv.ParseInt(fields["plan"], 10, 64)
	if err != nil {
		return Reference{}, fmt.Errorf("external reference %q has no valid plan: %w", raw, err)
	}
	ref.PlanID = planID
	return ref, nil
}
