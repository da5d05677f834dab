// Package policy implements bucket policy evaluation.
//
// Policies are the JSON documents S3 clients PUT on the ?policy
// subresource. Evaluation matches each statement's principal, action,
// resource, and conditions against the request; a matching Deny always
// wins over a matching Allow, and a request matching no statement is
// denied. Buckets without a policy are governed by SigV4 auth alone.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Effect is the outcome of evaluating a policy.
type Effect int

const (
	// Deny means a statement explicitly denied the request, or no
	// statement matched.
	Deny Effect = iota
	// Allow means a statement explicitly allowed the request.
	Allow
)

// Document is a parsed bucket policy.
type Document struct {
	Version   string      `json:"Version"`
	ID        string      `json:"Id,omitempty"`
	Statement []Statement `json:"Statement"`
}

// Statement is a single policy statement.
type Statement struct {
	Sid       string                           `json:"Sid,omitempty"`
	Effect    string                           `json:"Effect"`
	Principal Principal                        `json:"Principal"`
	Action    StringList                       `json:"Action"`
	Resource  StringList                       `json:"Resource"`
	Condition map[string]map[string]StringList `json:"Condition,omitempty"`
}

// Principal matches either the wildcard "*" or an AWS principal list.
type Principal struct {
	Any bool
	AWS []string
}

// UnmarshalJSON accepts the "*" shorthand as well as {"AWS": ...} objects
// whose value may be a string or a list.
func (p *Principal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "*" {
			p.Any = true
			return nil
		}
		p.AWS = []string{s}
		return nil
	}

	var obj struct {
		AWS StringList `json:"AWS"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid principal: %w", err)
	}
	p.AWS = obj.AWS
	for _, a := range p.AWS {
		if a == "*" {
			p.Any = true
		}
	}
	return nil
}

// StringList is a JSON value that may be a single string or a list.
type StringList []string

// UnmarshalJSON accepts both forms.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = StringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = StringList(list)
	return nil
}

// Request carries the values a statement is matched against.
type Request struct {
	// Principal is the caller identity, normally the access key ID.
	Principal string
	// Action is the S3 action name, e.g. "s3:GetObject".
	Action string
	// Resource is the ARN form "arn:aws:s3:::bucket/key" or
	// "arn:aws:s3:::bucket".
	Resource string
	// SourceIP is the client address, empty when unknown.
	SourceIP string
}

// Parse decodes and minimally validates a policy document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	for i, st := range doc.Statement {
		switch st.Effect {
		case "Allow", "Deny":
		default:
			return nil, fmt.Errorf("statement %d: invalid effect %q", i, st.Effect)
		}
	}
	return &doc, nil
}

// Evaluate walks the statements and returns the decision. A matching Deny
// short-circuits immediately and overrides any matching Allow, regardless
// of statement order. With no matching statement the result is Deny.
func (d *Document) Evaluate(req Request) Effect {
	allowed := false
	for _, st := range d.Statement {
		if !st.matches(req) {
			continue
		}
		if st.Effect == "Deny" {
			return Deny
		}
		allowed = true
	}
	if allowed {
		return Allow
	}
	return Deny
}

func (st *Statement) matches(req Request) bool {
	return st.matchesPrincipal(req.Principal) &&
		matchAny(st.Action, req.Action) &&
		matchAny(st.Resource, req.Resource) &&
		st.matchesConditions(req.SourceIP)
}

func (st *Statement) matchesPrincipal(principal string) bool {
	if st.Principal.Any {
		return true
	}
	for _, p := range st.Principal.AWS {
		if p == "*" || p == principal {
			return true
		}
	}
	return false
}

// matchAny reports whether value matches any pattern in the list. Patterns
// support the bare wildcard, "s3:*", and trailing-star prefixes.
func matchAny(patterns StringList, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return false
}

func (st *Statement) matchesConditions(sourceIP string) bool {
	for op, keys := range st.Condition {
		values := keys["aws:SourceIp"]
		if len(values) == 0 {
			// Unknown condition keys do not constrain the request.
			continue
		}
		switch op {
		case "IpAddress":
			// An unknown client address can never satisfy an allow-list.
			if sourceIP == "" || !ipInAny(sourceIP, values) {
				return false
			}
		case "NotIpAddress":
			if sourceIP != "" && ipInAny(sourceIP, values) {
				return false
			}
		default:
			// Unsupported operators fail closed.
			return false
		}
	}
	return true
}

func ipInAny(ip string, ranges []string) bool {
	for _, r := range ranges {
		if ipInRange(ip, r) {
			return true
		}
	}
	return false
}

// ipInRange matches ip against an IPv4 CIDR block, or falls back to exact
// string equality when the range has no prefix length.
func ipInRange(ip, cidr string) bool {
	base, prefixStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return ip == cidr
	}

	ipBits, ok1 := parseIPv4(ip)
	netBits, ok2 := parseIPv4(base)
	prefix, ok3 := parsePrefix(prefixStr)
	if !ok1 || !ok2 || !ok3 {
		return false
	}

	var mask uint32
	if prefix > 0 {
		mask = ^uint32(0) << (32 - prefix)
	}
	return ipBits&mask == netBits&mask
}

func parseIPv4(s string) (uint32, bool) {
	var parts [4]uint32
	idx := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if idx > 3 || i == start {
				return 0, false
			}
			var n uint32
			for _, c := range []byte(s[start:i]) {
				if c < '0' || c > '9' {
					return 0, false
				}
				n = n*10 + uint32(c-'0')
				if n > 255 {
					return 0, false
				}
			}
			parts[idx] = n
			idx++
			start = i + 1
		}
	}
	if idx != 4 {
		return 0, false
	}
	return parts[0]<<24 | parts[1]<<16 | parts[2]<<8 | parts[3], true
}

func parsePrefix(s string) (int, bool) {
	if s == "" || len(s) > 2 {
		return 0, false
	}
	n := 0
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n > 32 {
		return 0, false
	}
	return n, true
}

// ResourceARN builds the ARN evaluation target for a bucket and optional key.
func ResourceARN(bucket, key string) string {
	if key == "" {
		return "arn:aws:s3:::" + bucket
	}
	return "arn:aws:s3:::" + bucket + "/" + key
}

// ActionForRequest maps an HTTP method on an object or bucket path to the
// S3 action name used in policy statements.
func ActionForRequest(method, key string) string {
	if key == "" {
		switch method {
		case "GET", "HEAD":
			return "s3:ListBucket"
		case "PUT":
			return "s3:CreateBucket"
		case "DELETE":
			return "s3:DeleteBucket"
		default:
			return "s3:*"
		}
	}
	switch method {
	case "GET", "HEAD":
		return "s3:GetObject"
	case "PUT", "POST":
		return "s3:PutObject"
	case "DELETE":
		return "s3:DeleteObject"
	default:
		return "s3:*"
	}
}
