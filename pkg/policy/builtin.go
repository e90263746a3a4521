package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nodeFailureBudgetPolicy(),
		sensitivityConsistencyPolicy(),
		finiteStatisticsPolicy(),
		outputHealthPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// nodeFailureBudgetPolicy rejects runs that lost too many nodes.
func nodeFailureBudgetPolicy() Policy {
	return builtin(Policy{
		Name:        "node-failure-budget",
		Description: "Rejects results when the share of failed model evaluations exceeds the budget",
		Severity:    SeverityError,
		Tags:        []string{"robustness"},
		Rego: `package uncertainpy.policies.budget

import rego.v1

deny contains violation if {
	d := input.diagnostics
	d.failure_ratio > input.settings.max_failure_ratio
	violation := {
		"message": sprintf("%d of %d nodes failed (%v), budget is %v", [d.failed_nodes, d.total_nodes, d.failure_ratio, input.settings.max_failure_ratio]),
		"severity": "error",
	}
}
`,
	})
}

// sensitivityConsistencyPolicy checks Sobol indices against their mathematical bounds.
func sensitivityConsistencyPolicy() Policy {
	return builtin(Policy{
		Name:        "sensitivity-consistency",
		Description: "Flags Sobol indices outside [0, 1], first order above total, or first order sums above one",
		Severity:    SeverityWarning,
		Tags:        []string{"sensitivity", "numerics"},
		Rego: `package uncertainpy.policies.sensitivity

import rego.v1

tol := input.settings.tolerance

deny contains violation if {
	some out in input.outputs
	some param, xs in out.first_order
	some i, x in xs
	x != null
	out_of_range(x)
	violation := {
		"message": sprintf("first order index of %s is %v at %d", [param, x, i]),
		"output": out.name,
	}
}

deny contains violation if {
	some out in input.outputs
	some param, xs in out.total
	some i, x in xs
	x != null
	out_of_range(x)
	violation := {
		"message": sprintf("total index of %s is %v at %d", [param, x, i]),
		"output": out.name,
	}
}

deny contains violation if {
	some out in input.outputs
	some param, xs in out.first_order
	some i, x in xs
	x != null
	t := out.total[param][i]
	t != null
	x > t + tol
	violation := {
		"message": sprintf("first order index of %s exceeds its total index at %d (%v > %v)", [param, i, x, t]),
		"output": out.name,
	}
}

deny contains violation if {
	some out in input.outputs
	count(out.first_order) > 0
	some i, _ in out.mean
	s := sum([x | some xs in out.first_order; x := xs[i]; x != null])
	s > 1 + tol
	violation := {
		"message": sprintf("first order indices sum to %v at %d", [s, i]),
		"output": out.name,
	}
}

out_of_range(x) if x < 0 - tol

out_of_range(x) if x > 1 + tol
`,
	})
}

// finiteStatisticsPolicy rejects outputs whose statistics are not finite.
func finiteStatisticsPolicy() Policy {
	return builtin(Policy{
		Name:        "finite-statistics",
		Description: "Rejects outputs with non-finite statistics or negative variance",
		Severity:    SeverityError,
		Tags:        []string{"numerics"},
		Rego: `package uncertainpy.policies.finite

import rego.v1

deny contains violation if {
	some out in input.outputs
	out.non_finite > 0
	violation := {
		"message": sprintf("%d statistics are not finite", [out.non_finite]),
		"output": out.name,
	}
}

deny contains violation if {
	some out in input.outputs
	some i, v in out.variance
	v != null
	v < -1e-9
	violation := {
		"message": sprintf("variance is negative at %d (%v)", [i, v]),
		"output": out.name,
	}
}
`,
	})
}

// outputHealthPolicy reports outputs without statistics.
func outputHealthPolicy() Policy {
	return builtin(Policy{
		Name:        "output-health",
		Description: "Reports outputs for which no statistics could be computed",
		Severity:    SeverityWarning,
		Tags:        []string{"robustness"},
		Rego: `package uncertainpy.policies.health

import rego.v1

deny contains violation if {
	some out in input.outputs
	out.status != "ok"
	violation := {
		"message": sprintf("no statistics (%s): %s", [out.status, object.get(out, "error", "")]),
		"output": out.name,
	}
}

deny contains violation if {
	some out in input.outputs
	out.status == "ok"
	out.errored > 0
	violation := {
		"message": sprintf("%d evaluations failed", [out.errored]),
		"output": out.name,
		"severity": "info",
	}
}
`,
	})
}
