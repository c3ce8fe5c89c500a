// Package access decides whether an inbound sender may reach an agent
// under the agent's access-control policy.
package access

import (
	"slices"

	"github.com/squadklaw/squadklaw/internal/models"
)

// Decision is the outcome of evaluating a policy.
type Decision int

const (
	Accept Decision = iota
	Reject
	Pending
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Pending:
		return "pending"
	}
	return "unknown"
}

// Result carries the decision and, for rejections, the error to answer with.
type Result struct {
	Decision Decision
	Error    *models.ErrorResponse
}

// Accepted reports whether the sender may proceed.
func (r Result) Accepted() bool { return r.Decision == Accept }

func accept() Result { return Result{Decision: Accept} }

func reject(format string, args ...any) Result {
	return Result{Decision: Reject, Error: models.Errorf(models.CodeUnauthorized, format, args...)}
}

// Evaluate applies the decision table, first match wins:
// block, open, allowlist, approval. A nil policy is open.
// Unknown modes fail closed.
func Evaluate(sender string, policy *models.AccessControl) Result {
	if policy == nil {
		return accept()
	}
	if slices.Contains(policy.Block, sender) {
		return reject("sender %s is blocked", sender)
	}

	switch policy.Mode {
	case models.AccessOpen, "":
		return accept()
	case models.AccessAllowlist:
		if slices.Contains(policy.Allowlist, sender) {
			return accept()
		}
		return reject("sender %s is not on the allowlist", sender)
	case models.AccessApproval:
		return Result{Decision: Pending}
	}
	return reject("unsupported access mode %q", policy.Mode)
}
